// Command warmstart inspects sealed code-cache images.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"

	"github.com/warmstart-dev/warmstart/internal/image"
	"github.com/warmstart-dev/warmstart/internal/persist"
	"github.com/warmstart-dev/warmstart/internal/version"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")

	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		exit(0)
	}

	switch subCmd := flag.Arg(0); subCmd {
	case "info":
		doInfo(flag.Args()[1:], stdOut, stdErr, exit)
	case "list":
		doList(flag.Args()[1:], stdOut, stdErr, exit)
	case "version":
		fmt.Fprintln(stdOut, version.GetVersion())
		exit(0)
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		exit(1)
	}
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "warmstart CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  warmstart <command>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Commands:")
	fmt.Fprintln(stdErr, "  info\tPrints the header summary of a sealed image")
	fmt.Fprintln(stdErr, "  list\tPrints every entry of a sealed image")
	fmt.Fprintln(stdErr, "  version\tPrints the warmstart version")
}

// loadImage reads and header-validates one image file argument.
func loadImage(args []string, stdErr io.Writer, exit func(code int)) ([]byte, image.Header) {
	if len(args) != 1 {
		fmt.Fprintln(stdErr, "expected exactly one image file argument")
		exit(1)
	}
	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(stdErr, "error opening image: %v\n", err)
		exit(1)
	}
	defer f.Close()
	img, err := persist.ReadImage(f)
	if err != nil {
		fmt.Fprintf(stdErr, "error reading image: %v\n", err)
		exit(1)
	}
	h, err := image.DecodeHeader(img)
	if err != nil {
		fmt.Fprintf(stdErr, "error decoding image: %v\n", err)
		exit(1)
	}
	return img, h
}

func doInfo(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	_, h := loadImage(args, stdErr, exit)

	fmt.Fprintf(stdOut, "image size: %s\n", units.BytesSize(float64(h.ImageSize)))
	fmt.Fprintf(stdOut, "code size: %s\n", units.BytesSize(float64(h.CodeSize)))
	fmt.Fprintf(stdOut, "entries: %d (preload %d), strings: %d\n",
		h.EntriesCount, h.PreloadCount, h.StringsCount)
	for k := image.EntryKind(1); k < image.KindCount; k++ {
		if n := h.KindCounts[k-1]; n > 0 {
			fmt.Fprintf(stdOut, "  %s: %d\n", image.KindName(k), n)
		}
	}
	fp := h.Fingerprint
	fmt.Fprintf(stdOut, "fingerprint: gc=%d oop_shift=%d oop_base=%#x object_alignment=%d",
		fp.GCKind, fp.OopShift, fp.OopBase, fp.ObjectAlignment)
	if fp.Flags&image.FingerprintAssertions != 0 {
		fmt.Fprint(stdOut, " +assertions")
	}
	if fp.Flags&image.FingerprintDebugBuild != 0 {
		fmt.Fprint(stdOut, " +debug")
	}
	fmt.Fprintln(stdOut)
	exit(0)
}

func doList(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	img, h := loadImage(args, stdErr, exit)

	cur := image.NewCursor(img, h.EntriesOffset)
	for i := uint32(0); i < h.EntriesCount; i++ {
		d, err := image.DecodeDescriptor(cur.Bytes(image.DescriptorSize))
		if err != nil {
			fmt.Fprintf(stdErr, "error decoding entry %d: %v\n", i, err)
			exit(1)
		}
		name := "?"
		if uint64(d.NameOffset)+uint64(d.NameSize) <= uint64(len(img)) {
			name = string(img[d.NameOffset : d.NameOffset+d.NameSize])
		}
		fmt.Fprintf(stdOut, "%4d %-11s id=%-10d level=%d size=%-8s %s%s\n",
			i, image.KindName(d.Kind), d.ID, d.CompLevel,
			units.BytesSize(float64(d.Size)), name, flagSuffix(d.Flags))
	}
	if err := cur.Err(); err != nil {
		fmt.Fprintf(stdErr, "error reading descriptor table: %v\n", err)
		exit(1)
	}
	exit(0)
}

func flagSuffix(f image.Flags) (s string) {
	if f&image.FlagForPreload != 0 {
		s += " [preload]"
	}
	if f&image.FlagHasClinitBarriers != 0 {
		s += " [clinit]"
	}
	if f&image.FlagIgnoreDecompileCount != 0 {
		s += " [any-decompile]"
	}
	return
}

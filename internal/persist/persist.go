// Package persist moves sealed images between memory and their resting place: a file in a
// version-scoped cache directory, or a caller-allocated region of a larger archive.
//
// The on-disk bytes are either the raw image or an lz4 frame holding it; Load sniffs the frame
// magic, so a directory may mix both. Compression is strictly transport-level: the loaded bytes
// are bit-exact either way and go through the same open-time validation.
package persist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	goruntime "runtime"

	"github.com/pierrec/lz4/v4"

	"github.com/warmstart-dev/warmstart/api"
	"github.com/warmstart-dev/warmstart/internal/version"
)

// imageFileName is the image file name inside the scoped directory.
const imageFileName = "code-cache.img"

// FileStore persists one sealed image under a directory scoped by module version, GOARCH and
// GOOS, so caches produced by a different build or platform are never picked up.
type FileStore struct {
	dir      string
	compress bool
}

// NewFileStore resolves dir, ensures the scoped subdirectory under it exists, and returns a
// FileStore rooted there. When compress is set, Save writes lz4 frames.
func NewFileStore(dir string, compress bool) (*FileStore, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err = mkdir(dir); err != nil {
		return nil, err
	}
	scoped := path.Join(dir, "warmstart-"+version.GetVersion()+"-"+goruntime.GOARCH+"-"+goruntime.GOOS)
	if err = mkdir(scoped); err != nil {
		return nil, err
	}
	return &FileStore{dir: scoped, compress: compress}, nil
}

func mkdir(dirname string) error {
	if st, err := os.Stat(dirname); errors.Is(err, os.ErrNotExist) {
		if err = os.MkdirAll(dirname, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %v", dirname, err)
		}
	} else if err != nil {
		return err
	} else if !st.IsDir() {
		return fmt.Errorf("%s is not dir", dirname)
	}
	return nil
}

// Dir returns the scoped directory the store reads and writes.
func (f *FileStore) Dir() string { return f.dir }

// Path returns the image file path.
func (f *FileStore) Path() string { return path.Join(f.dir, imageFileName) }

// Save writes img to the store. The bytes land in a temporary file first and are renamed into
// place, so a crash mid-write leaves the previous image untouched.
func (f *FileStore) Save(img []byte) (err error) {
	tmp, err := os.CreateTemp(f.dir, imageFileName+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	var w io.Writer = tmp
	var zw *lz4.Writer
	if f.compress {
		zw = lz4.NewWriter(tmp)
		w = zw
	}
	if _, err = w.Write(img); err != nil {
		return err
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return err
		}
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path())
}

// Load reads the stored image. ok is false with a nil error when no image exists yet.
func (f *FileStore) Load() (img []byte, ok bool, err error) {
	file, err := os.Open(f.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	defer file.Close()

	img, err = ReadImage(file)
	if err != nil {
		return nil, false, fmt.Errorf("persist: %s: %w", f.Path(), err)
	}
	return img, true, nil
}

// Delete removes the stored image, e.g. after it was rejected at open.
func (f *FileStore) Delete() error {
	err := os.Remove(f.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// lz4FrameMagic is the little-endian magic of an lz4 frame.
var lz4FrameMagic = [4]byte{0x04, 0x22, 0x4d, 0x18}

// ReadImage reads image bytes from r, transparently unwrapping an lz4 frame.
func ReadImage(r io.Reader) ([]byte, error) {
	head := make([]byte, 4)
	n, err := io.ReadFull(r, head)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// Shorter than any header; let open-time validation produce the error.
		return head[:n], nil
	} else if err != nil {
		return nil, err
	}
	rest := io.MultiReader(bytes.NewReader(head), r)
	if [4]byte(head) == lz4FrameMagic {
		return io.ReadAll(lz4.NewReader(rest))
	}
	return io.ReadAll(rest)
}

// RegionWriter implements the archive-embedded deployment mode: the sealed image is copied
// into a region handed out by the hosting archive instead of a standalone file.
type RegionWriter struct {
	alloc api.RegionAllocator
}

// NewRegionWriter returns a RegionWriter backed by alloc.
func NewRegionWriter(alloc api.RegionAllocator) *RegionWriter {
	return &RegionWriter{alloc: alloc}
}

// Save allocates an exactly-sized region and copies img into it, returning the region.
func (w *RegionWriter) Save(img []byte) ([]byte, error) {
	region, err := w.alloc.AllocateOutputRegion(uint64(len(img)))
	if err != nil {
		return nil, err
	}
	if len(region) != len(img) {
		return nil, fmt.Errorf("persist: allocator returned %d bytes, want %d", len(region), len(img))
	}
	copy(region, img)
	return region, nil
}

// MemoryRegions is an in-memory api.RegionAllocator for embedders without a real archive and
// for tests.
type MemoryRegions struct {
	// Regions holds every allocated region in allocation order.
	Regions [][]byte
}

// AllocateOutputRegion implements api.RegionAllocator.
func (m *MemoryRegions) AllocateOutputRegion(size uint64) ([]byte, error) {
	region := make([]byte, size)
	m.Regions = append(m.Regions, region)
	return region, nil
}

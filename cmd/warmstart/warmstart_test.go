package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warmstart-dev/warmstart/api"
	"github.com/warmstart-dev/warmstart/internal/addrtable"
	"github.com/warmstart-dev/warmstart/internal/image"
	"github.com/warmstart-dev/warmstart/internal/store"
)

// run invokes a CLI entry point with a fake exit and returns the exit code and output.
func run(t *testing.T, f func(stdOut, stdErr *bytes.Buffer, exit func(int))) (code int, stdOut, stdErr string) {
	var out, errOut bytes.Buffer
	type exited int
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(exited)
			require.True(t, ok, "unexpected panic: %v", r)
			code, stdOut, stdErr = int(e), out.String(), errOut.String()
		}
	}()
	f(&out, &errOut, func(c int) { panic(exited(c)) })
	t.Fatal("command returned without exiting")
	return
}

func writeTestImage(t *testing.T) string {
	tbl := addrtable.New()
	require.NoError(t, tbl.InitRuntime([]api.Address{0x1000}))
	require.NoError(t, tbl.InitEarlyStubs(nil))
	require.NoError(t, tbl.InitStubs(nil))
	require.NoError(t, tbl.InitSharedBlobs(nil))
	require.NoError(t, tbl.InitC1Blobs(nil))
	require.NoError(t, tbl.InitC2Blobs(nil))
	s, err := store.NewWritable(store.Options{Capacity: 1 << 16, Table: tbl})
	require.NoError(t, err)
	_, err = s.StoreCode(image.EntryStub, 7, "foo", []byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	_, err = s.StoreCode(image.EntryCode, 42, "com/example/App::main", make([]byte, 64),
		&store.Meta{CompLevel: 4, Flags: image.FlagForPreload})
	require.NoError(t, err)
	img, err := s.FinishWrite()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.img")
	require.NoError(t, os.WriteFile(path, img, 0o600))
	return path
}

func TestInfo(t *testing.T) {
	path := writeTestImage(t)
	code, stdOut, _ := run(t, func(out, errOut *bytes.Buffer, exit func(int)) {
		doInfo([]string{path}, out, errOut, exit)
	})
	require.Zero(t, code)
	require.Contains(t, stdOut, "entries: 2 (preload 0)")
	require.Contains(t, stdOut, "stub: 1")
	require.Contains(t, stdOut, "code: 1")
	require.Contains(t, stdOut, "fingerprint:")
}

func TestList(t *testing.T) {
	path := writeTestImage(t)
	code, stdOut, _ := run(t, func(out, errOut *bytes.Buffer, exit func(int)) {
		doList([]string{path}, out, errOut, exit)
	})
	require.Zero(t, code)
	require.Contains(t, stdOut, "foo")
	require.Contains(t, stdOut, "com/example/App::main")
	require.Contains(t, stdOut, "[preload]")
}

func TestInfoErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		code, _, stdErr := run(t, func(out, errOut *bytes.Buffer, exit func(int)) {
			doInfo([]string{"no-such-file.img"}, out, errOut, exit)
		})
		require.Equal(t, 1, code)
		require.Contains(t, stdErr, "error opening image")
	})
	t.Run("no arguments", func(t *testing.T) {
		code, _, stdErr := run(t, func(out, errOut *bytes.Buffer, exit func(int)) {
			doInfo(nil, out, errOut, exit)
		})
		require.Equal(t, 1, code)
		require.Contains(t, stdErr, "exactly one image file")
	})
	t.Run("not an image", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk.img")
		require.NoError(t, os.WriteFile(path, make([]byte, 256), 0o600))
		code, _, stdErr := run(t, func(out, errOut *bytes.Buffer, exit func(int)) {
			doInfo([]string{path}, out, errOut, exit)
		})
		require.Equal(t, 1, code)
		require.Contains(t, stdErr, "error decoding image")
	})
}

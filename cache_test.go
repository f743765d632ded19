package warmstart

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warmstart-dev/warmstart/api"
	"github.com/warmstart-dev/warmstart/internal/persist"
	"github.com/warmstart-dev/warmstart/internal/testing/vmstub"
)

// newTestTable populates an AddressTable the way an embedder would during startup.
func newTestTable(t *testing.T, base api.Address) *AddressTable {
	tbl := NewAddressTable()
	require.NoError(t, tbl.InitRuntime([]api.Address{base, base + 8, base + 16}))
	require.NoError(t, tbl.InitEarlyStubs([]api.Address{base + 0x100}))
	require.NoError(t, tbl.InitStubs([]api.Address{base + 0x200, base + 0x208}))
	require.NoError(t, tbl.InitSharedBlobs([]api.Address{base + 0x300}))
	require.NoError(t, tbl.InitC1Blobs(nil))
	require.NoError(t, tbl.InitC2Blobs(nil))
	return tbl
}

var testFingerprint = Fingerprint{GCKind: 1, OopShift: 3, ObjectAlignment: 8, OopBase: 0x800000000}

func testConfig(t *testing.T, base api.Address) CacheConfig {
	return NewCacheConfig().
		WithCapacityBytes(1 << 16).
		WithFingerprint(testFingerprint).
		WithAddressTable(newTestTable(t, base)).
		WithMetadataArchive(&vmstub.Archive{Base: 0x10000, Size: 0x1000})
}

func TestCacheAcrossRuns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Training run: store, seal, close.
	trainBase := api.Address(0x1000)
	cache, err := NewCache(testConfig(t, trainBase).WithCacheDir(dir))
	require.NoError(t, err)

	code := []byte{0x55, 0x48, 0x89, 0xe5, 0xc3, 0, 0, 0}
	_, err = cache.StoreCode(EntryKindCode, 99, "com/example/App::main", code, &Meta{
		CompLevel:    4,
		Flags:        FlagForPreload,
		MethodOffset: 0x40,
		ContentBase:  0x9000,
		Relocs:       []api.Reloc{{Site: 0, Kind: api.RelocCall, Target: trainBase + 0x208}},
	})
	require.NoError(t, err)
	_, err = cache.Seal()
	require.NoError(t, err)
	require.NoError(t, cache.Close(ctx))

	// Production run: same configuration, different addresses.
	prodBase := api.Address(0x740000)
	cache2, err := NewCache(testConfig(t, prodBase).WithCacheDir(dir))
	require.NoError(t, err)
	defer cache2.Close(ctx)

	pre := cache2.PreloadEntries()
	require.Len(t, pre, 1)
	e, ok := cache2.FindEntry(EntryKindCode, 99, 4, 0)
	require.True(t, ok)
	require.Same(t, pre[0], e)

	got, err := cache2.Materialize(e)
	require.NoError(t, err)
	require.Equal(t, code, got.Bytes)
	require.Equal(t, prodBase+0x208, got.Relocs[0].Target)
}

func TestCacheCompressedPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cache, err := NewCache(testConfig(t, 0x1000).WithCacheDir(dir).WithCompression(true))
	require.NoError(t, err)
	_, err = cache.StoreCode(EntryKindStub, 7, "foo", []byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	_, err = cache.Seal()
	require.NoError(t, err)
	require.NoError(t, cache.Close(ctx))

	// A reader without compression configured still loads the frame.
	cache2, err := NewCache(testConfig(t, 0x2000).WithCacheDir(dir))
	require.NoError(t, err)
	defer cache2.Close(ctx)
	_, ok := cache2.FindEntry(EntryKindStub, 7, 0, 0)
	require.True(t, ok)
}

func TestCacheDiscardsMismatchedImage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cache, err := NewCache(testConfig(t, 0x1000).WithCacheDir(dir))
	require.NoError(t, err)
	_, err = cache.StoreCode(EntryKindStub, 7, "foo", []byte{1}, nil)
	require.NoError(t, err)
	_, err = cache.Seal()
	require.NoError(t, err)
	require.NoError(t, cache.Close(ctx))

	other := testFingerprint
	other.GCKind = 9
	config := NewCacheConfig().
		WithCapacityBytes(1 << 16).
		WithFingerprint(other).
		WithAddressTable(newTestTable(t, 0x1000)).
		WithCacheDir(dir)

	// Fail-fast surfaces the rejection.
	_, err = NewCache(config.WithFailFast(true))
	require.ErrorIs(t, err, ErrMismatch)

	// Default: discard and start cold.
	cache2, err := NewCache(config)
	require.NoError(t, err)
	defer cache2.Close(ctx)
	_, ok := cache2.FindEntry(EntryKindStub, 7, 0, 0)
	require.False(t, ok)
}

func TestCacheGarbageImageFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Plant a garbage file where the image would be.
	cache, err := NewCache(testConfig(t, 0x1000).WithCacheDir(dir))
	require.NoError(t, err)
	scoped := cacheImagePath(t, dir)
	require.NoError(t, cache.Close(ctx))
	require.NoError(t, os.WriteFile(scoped, make([]byte, 256), 0o600))

	cache2, err := NewCache(testConfig(t, 0x1000).WithCacheDir(dir))
	require.NoError(t, err, "a garbage image must not prevent a cold start")
	defer cache2.Close(ctx)

	_, err = os.Stat(scoped)
	require.True(t, os.IsNotExist(err), "the garbage file must be deleted")
}

// cacheImagePath finds the scoped image path without reaching into persist internals.
func cacheImagePath(t *testing.T, dir string) string {
	des, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, des, 1)
	return filepath.Join(dir, des[0].Name(), "code-cache.img")
}

func TestOpenCacheReadOnly(t *testing.T) {
	ctx := context.Background()
	cache, err := NewCache(testConfig(t, 0x1000))
	require.NoError(t, err)
	_, err = cache.StoreCode(EntryKindStub, 7, "foo", []byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	img, err := cache.Seal()
	require.NoError(t, err)
	require.NoError(t, cache.Close(ctx))

	ro, err := OpenCache(img, testConfig(t, 0x5000))
	require.NoError(t, err)
	defer ro.Close(ctx)

	e, ok := ro.FindEntry(EntryKindStub, 7, 0, 0)
	require.True(t, ok)
	got, err := ro.Materialize(e)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got.Bytes)

	_, err = ro.StoreCode(EntryKindStub, 8, "bar", []byte{1}, nil)
	require.ErrorIs(t, err, ErrReadOnly)
	_, err = ro.Seal()
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestSealIntoRegion(t *testing.T) {
	ctx := context.Background()
	var regions persist.MemoryRegions
	cache, err := NewCache(testConfig(t, 0x1000).WithRegionAllocator(&regions))
	require.NoError(t, err)
	defer cache.Close(ctx)

	_, err = cache.StoreCode(EntryKindStub, 7, "foo", []byte{1}, nil)
	require.NoError(t, err)
	img, err := cache.Seal()
	require.NoError(t, err)

	require.Len(t, regions.Regions, 1)
	require.Equal(t, img, regions.Regions[0])
}

type fullRegions struct{}

func (fullRegions) AllocateOutputRegion(uint64) ([]byte, error) {
	return nil, errors.New("archive region exhausted")
}

func TestSealPersistFailureFailsCache(t *testing.T) {
	ctx := context.Background()
	cache, err := NewCache(testConfig(t, 0x1000).WithRegionAllocator(fullRegions{}))
	require.NoError(t, err)
	defer cache.Close(ctx)

	_, err = cache.StoreCode(EntryKindStub, 7, "foo", []byte{1}, nil)
	require.NoError(t, err)

	// A half-persisted seal must not pass for a healthy cache.
	_, err = cache.Seal()
	require.Error(t, err)
	require.True(t, cache.Failed())
}

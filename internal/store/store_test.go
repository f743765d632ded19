package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warmstart-dev/warmstart/api"
	"github.com/warmstart-dev/warmstart/internal/addrtable"
	"github.com/warmstart-dev/warmstart/internal/image"
	"github.com/warmstart-dev/warmstart/internal/testing/vmstub"
)

func newTable(t *testing.T, base api.Address) *addrtable.Table {
	tbl := addrtable.New()
	require.NoError(t, tbl.InitRuntime([]api.Address{base, base + 8, base + 16}))
	require.NoError(t, tbl.InitEarlyStubs([]api.Address{base + 0x100}))
	require.NoError(t, tbl.InitStubs([]api.Address{base + 0x200}))
	require.NoError(t, tbl.InitSharedBlobs([]api.Address{base + 0x300}))
	require.NoError(t, tbl.InitC1Blobs(nil))
	require.NoError(t, tbl.InitC2Blobs(nil))
	return tbl
}

var testFingerprint = image.Fingerprint{
	GCKind:          1,
	OopShift:        3,
	ObjectAlignment: 8,
	OopBase:         0x800000000,
}

func testOptions(t *testing.T, base api.Address) Options {
	return Options{
		Capacity:    1 << 16,
		Fingerprint: testFingerprint,
		Table:       newTable(t, base),
		Archive:     &vmstub.Archive{Base: 0x10000, Size: 0x1000},
	}
}

func mustStore(t *testing.T, s *Store, kind image.EntryKind, id uint32, name string, code []byte, m *Meta) *Entry {
	e, err := s.StoreCode(kind, id, name, code, m)
	require.NoError(t, err)
	return e
}

func TestStoreAndFind(t *testing.T) {
	s, err := NewWritable(testOptions(t, 0x1000))
	require.NoError(t, err)

	e := mustStore(t, s, image.EntryStub, 7, "foo", []byte{1, 2, 3}, nil)
	require.Equal(t, image.EntryStub, e.Kind())
	require.Equal(t, "foo", e.Name())

	got, ok := s.FindEntry(image.EntryStub, 7, 0, 0)
	require.True(t, ok)
	require.Same(t, e, got)

	_, ok = s.FindEntry(image.EntryCode, 7, 0, 0)
	require.False(t, ok, "kind must disambiguate the same content id")
	_, ok = s.FindEntry(image.EntryStub, 8, 0, 0)
	require.False(t, ok)
}

func TestStoreCodeMethodOffsetZeroMeansAbsent(t *testing.T) {
	s, err := NewWritable(testOptions(t, 0x1000))
	require.NoError(t, err)

	// The zero value of Meta stores as method-less: archive offset 0 is the archive base,
	// never a method record.
	anon := mustStore(t, s, image.EntryCode, 1, "anon", []byte{1}, &Meta{})
	require.Equal(t, image.NoIndex, anon.desc.MethodOffset)

	owned := mustStore(t, s, image.EntryCode, 2, "owned", []byte{2}, &Meta{MethodOffset: 0x40})
	require.Equal(t, uint32(0x40), owned.desc.MethodOffset)
}

func TestFindEntryDisambiguates(t *testing.T) {
	s, err := NewWritable(testOptions(t, 0x1000))
	require.NoError(t, err)

	low := mustStore(t, s, image.EntryCode, 42, "m1", []byte{1}, &Meta{CompLevel: 1})
	high := mustStore(t, s, image.EntryCode, 42, "m4", []byte{2}, &Meta{CompLevel: 4, DecompileCount: 2})

	got, ok := s.FindEntry(image.EntryCode, 42, 4, 2)
	require.True(t, ok)
	require.Same(t, high, got)

	got, ok = s.FindEntry(image.EntryCode, 42, 1, 0)
	require.True(t, ok)
	require.Same(t, low, got)

	// Wrong decompile count misses unless the entry opted out of that check.
	_, ok = s.FindEntry(image.EntryCode, 42, 4, 0)
	require.False(t, ok)

	relaxed := mustStore(t, s, image.EntryCode, 43, "m5", []byte{3},
		&Meta{CompLevel: 4, DecompileCount: 9, Flags: image.FlagIgnoreDecompileCount})
	got, ok = s.FindEntry(image.EntryCode, 43, 4, 0)
	require.True(t, ok)
	require.Same(t, relaxed, got)
}

func TestInvalidateCascade(t *testing.T) {
	s, err := NewWritable(testOptions(t, 0x1000))
	require.NoError(t, err)

	// Chain of three barrier variants, newest-reachable-first.
	tail := mustStore(t, s, image.EntryCode, 9, "m", []byte{1}, &Meta{CompLevel: 4})
	mid := mustStore(t, s, image.EntryCode, 9, "m", []byte{2},
		&Meta{CompLevel: 4, Flags: image.FlagHasClinitBarriers, Successor: tail})
	head := mustStore(t, s, image.EntryCode, 9, "m", []byte{3},
		&Meta{CompLevel: 4, Flags: image.FlagHasClinitBarriers, Successor: mid})

	s.Invalidate(head)
	for _, e := range []*Entry{head, mid, tail} {
		require.True(t, e.NotEntrant())
	}

	// Idempotent.
	s.Invalidate(head)
	require.True(t, head.NotEntrant())

	// An invalidated entry never matches a lookup.
	_, ok := s.FindEntry(image.EntryCode, 9, 4, 0)
	require.False(t, ok)
}

func TestCapacityFailureIsSticky(t *testing.T) {
	opts := testOptions(t, 0x1000)
	opts.Capacity = 512
	s, err := NewWritable(opts)
	require.NoError(t, err)

	var stored int
	for i := 0; i < 64; i++ {
		_, err := s.StoreCode(image.EntryStub, uint32(i), "s", make([]byte, 64), nil)
		if err != nil {
			require.ErrorIs(t, err, ErrCapacity)
			break
		}
		stored++
	}
	require.True(t, s.Failed(), "filling the buffer must flip the cache to failed")
	require.NotZero(t, stored)

	// Sticky: everything afterwards is a refused no-op.
	_, err = s.StoreCode(image.EntryStub, 999, "late", []byte{1}, nil)
	require.ErrorIs(t, err, ErrFailed)
	_, err = s.WriteBytes([]byte{1})
	require.ErrorIs(t, err, ErrFailed)
	_, err = s.FinishWrite()
	require.ErrorIs(t, err, ErrFailed)
}

func TestWritePrimitives(t *testing.T) {
	s, err := NewWritable(testOptions(t, 0x1000))
	require.NoError(t, err)

	off, err := s.WriteBytes([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, s.AlignWrite())

	hole, err := s.Reserve(4)
	require.NoError(t, err)
	require.NoError(t, s.Patch(hole, []byte{9, 9, 9, 9}))
	require.Greater(t, hole, off)

	// Patching outside the reserved region is refused without failing the cache.
	require.Error(t, s.Patch(1<<20, []byte{1}))
	require.False(t, s.Failed())
}

func TestMaterializeRoundTrip(t *testing.T) {
	writeBase := api.Address(0x1000)
	opts := testOptions(t, writeBase)
	s, err := NewWritable(opts)
	require.NoError(t, err)

	code := []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x90, 0xc3, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	contentBase := api.Address(0x9000)
	e := mustStore(t, s, image.EntryCode, 77, "com/example/App::run", code, &Meta{
		CompLevel:   4,
		CompID:      12,
		ContentBase: contentBase,
		Values: []api.Value{
			{Kind: api.ValueString, Str: "const"},
			{Kind: api.ValuePrimitive, Primitive: api.BasicTypeInt},
		},
		Relocs: []api.Reloc{
			{Site: 0, Kind: api.RelocCall, Target: writeBase + 8},
			{Site: 4, Kind: api.RelocInternal, Target: contentBase + 12},
			{Site: 8, Kind: api.RelocOop, ValueIndex: 0},
		},
		DebugInfo:    []byte{0xde, 0xb0},
		OopMaps:      []byte{0x0f},
		Dependencies: []byte{0xdd, 0xdd, 0xdd},
	})

	got, err := s.Materialize(e)
	require.NoError(t, err)
	require.Equal(t, code, got.Bytes)
	require.Equal(t, "com/example/App::run", got.Name)
	require.Equal(t, []byte{0xde, 0xb0}, got.DebugInfo)
	require.Equal(t, []byte{0x0f}, got.OopMaps)
	require.Equal(t, []byte{0xdd, 0xdd, 0xdd}, got.Dependencies)
	require.Len(t, got.Values, 2)
	require.Len(t, got.Relocs, 3)

	// The call re-resolved through the address table.
	require.Equal(t, api.Address(0x1008), got.Relocs[0].Target)
	// The internal reference rebased onto the materialized copy.
	require.Equal(t, got.Base+12, got.Relocs[1].Target)
	require.True(t, e.Loaded())
}

func TestMaterializeUnresolvableValue(t *testing.T) {
	opts := testOptions(t, 0x1000)
	opts.Loaders = &vmstub.ClassSpace{} // knows no classes
	s, err := NewWritable(opts)
	require.NoError(t, err)

	missing := &vmstub.Klass{ClassName: "com/example/Gone", Linked: true}
	e := mustStore(t, s, image.EntryCode, 5, "m", []byte{1}, &Meta{
		Values: []api.Value{{Kind: api.ValueKlass, Klass: missing}},
	})

	_, err = s.Materialize(e)
	require.ErrorIs(t, err, ErrEntryUnusable)
	require.True(t, e.LoadFailed())

	// Scoped to the one entry: the cache keeps working.
	require.False(t, s.Failed())
	ok := mustStore(t, s, image.EntryStub, 6, "fine", []byte{2}, nil)
	_, err = s.Materialize(ok)
	require.NoError(t, err)

	// Terminal for the record: a retry is refused without re-reading.
	_, err = s.Materialize(e)
	require.ErrorIs(t, err, ErrEntryUnusable)
}

func TestMaterializeNotEntrant(t *testing.T) {
	s, err := NewWritable(testOptions(t, 0x1000))
	require.NoError(t, err)
	e := mustStore(t, s, image.EntryCode, 5, "m", []byte{1}, nil)
	s.Invalidate(e)
	_, err = s.Materialize(e)
	require.ErrorIs(t, err, ErrEntryUnusable)
}

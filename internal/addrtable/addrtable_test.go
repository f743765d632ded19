package addrtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warmstart-dev/warmstart/api"
)

func populated(t *testing.T) *Table {
	tbl := New()
	require.NoError(t, tbl.InitRuntime([]api.Address{0x1000, 0x1008, 0x1010}))
	require.NoError(t, tbl.InitEarlyStubs([]api.Address{0x2000}))
	require.NoError(t, tbl.InitStubs([]api.Address{0x3000, 0x3040}))
	require.NoError(t, tbl.InitSharedBlobs([]api.Address{0x4000}))
	require.NoError(t, tbl.InitC1Blobs([]api.Address{0x5000}))
	require.NoError(t, tbl.InitC2Blobs([]api.Address{0x6000, 0x6100}))
	return tbl
}

func TestBijection(t *testing.T) {
	tbl := populated(t)
	require.True(t, tbl.Complete())

	for _, addr := range []api.Address{
		0x1000, 0x1008, 0x1010, 0x2000, 0x3000, 0x3040, 0x4000, 0x5000, 0x6000, 0x6100,
	} {
		id, err := tbl.IDForAddress(addr)
		require.NoError(t, err, "%#x", addr)
		back, err := tbl.AddressForID(id)
		require.NoError(t, err)
		require.Equal(t, addr, back)
	}
}

func TestDisjointRanges(t *testing.T) {
	tbl := populated(t)
	runtimeID, err := tbl.IDForAddress(0x1000)
	require.NoError(t, err)
	stubID, err := tbl.IDForAddress(0x3000)
	require.NoError(t, err)
	c2ID, err := tbl.IDForAddress(0x6100)
	require.NoError(t, err)

	require.Equal(t, uint32(0), runtimeID/rangeSpan)
	require.Equal(t, uint32(CategoryStubs), stubID/rangeSpan)
	require.Equal(t, uint32(CategoryC2Blobs), c2ID/rangeSpan)
}

func TestUnknownAddressIsError(t *testing.T) {
	tbl := populated(t)
	_, err := tbl.IDForAddress(0xdeadbeef)
	require.ErrorContains(t, err, "not a registered runtime entry point")
}

func TestPopulationIdempotent(t *testing.T) {
	tbl := populated(t)
	// Re-initializing a populated category is a no-op, not a corruption.
	require.NoError(t, tbl.InitRuntime([]api.Address{0x9999}))
	id, err := tbl.IDForAddress(0x1000)
	require.NoError(t, err)
	require.Equal(t, uint32(0), id)
	_, err = tbl.IDForAddress(0x9999)
	require.Error(t, err)
}

func TestPopulationOrder(t *testing.T) {
	tbl := New()
	require.ErrorContains(t, tbl.InitStubs([]api.Address{0x3000}), "before early stubs")
	require.ErrorContains(t, tbl.InitSharedBlobs([]api.Address{0x4000}), "before stubs")
	require.ErrorContains(t, tbl.InitC1Blobs([]api.Address{0x5000}), "before shared blobs")
	require.ErrorContains(t, tbl.InitC2Blobs([]api.Address{0x6000}), "before shared blobs")
}

func TestCStringInterning(t *testing.T) {
	tbl := New()
	s := "name_of_a_method"
	addr := api.Address(0xabc0)

	id := tbl.IDForCString(addr, s)

	// Same pointer: same id without looking at content.
	require.Equal(t, id, tbl.IDForCString(addr, s))
	// Different pointer, same content: deduplicated by content.
	require.Equal(t, id, tbl.IDForCString(0xdef0, "name_of_a_method"))
	// Different content: new sequential id.
	id2 := tbl.IDForCString(0x1230, "other")
	require.Equal(t, id+1, id2)

	got, ok := tbl.StringForID(id)
	require.True(t, ok)
	require.Equal(t, s, got)

	// Interned strings resolve to the owned copy, not the original address.
	back, err := tbl.AddressForID(id)
	require.NoError(t, err)
	require.NotEqual(t, addr, back)
	require.NotZero(t, back)
}

func TestInitStringsRestoresIDOrder(t *testing.T) {
	tbl := New()
	tbl.InitStrings([]string{"alpha", "beta", "gamma"})

	got, ok := tbl.StringForID(stringsBase + 1)
	require.True(t, ok)
	require.Equal(t, "beta", got)
	require.Equal(t, []string{"alpha", "beta", "gamma"}, tbl.Strings())

	// A later image open must not clobber the live table.
	tbl.InitStrings([]string{"other"})
	require.Equal(t, []string{"alpha", "beta", "gamma"}, tbl.Strings())
}

func TestDiagnosticAddressForID(t *testing.T) {
	tbl := New()
	tbl.SetDiagnosticBase(0x700000)
	addr, err := tbl.AddressForID(stringsBase + 5)
	require.NoError(t, err)
	require.Equal(t, api.Address(0x700005), addr)
}

func TestUnpopulatedCategoryID(t *testing.T) {
	tbl := New()
	_, err := tbl.AddressForID(uint32(CategoryC1Blobs) * rangeSpan)
	require.ErrorContains(t, err, "unpopulated")
}

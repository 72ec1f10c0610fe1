package pmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ueficore/efi"
)

func TestAllocatePagesReportedInMemoryMap(t *testing.T) {
	a := New(1024)

	frame, err := a.AllocatePages(AllocateAnyPages, 0, efi.MemBootServicesData, 4)
	require.Nil(t, err)

	snap := a.GetMemoryMap()
	found := false
	for _, d := range snap.Descriptors {
		if d.PhysicalStart == uint64(frame)*PageSize {
			assert.Equal(t, efi.MemBootServicesData, d.Type)
			assert.Equal(t, uint64(4), d.PageCount)
			found = true
		}
	}
	assert.True(t, found, "allocated range missing from memory map")
}

func TestFreePagesRevertsToConventional(t *testing.T) {
	a := New(1024)
	frame, err := a.AllocatePages(AllocateAnyPages, 0, efi.MemLoaderData, 8)
	require.Nil(t, err)

	require.Nil(t, a.FreePages(frame, 8))

	snap := a.GetMemoryMap()
	require.Len(t, snap.Descriptors, 1)
	assert.Equal(t, efi.MemConventional, snap.Descriptors[0].Type)
	assert.Equal(t, uint64(1024), snap.Descriptors[0].PageCount)
}

func TestFreePagesRejectsPartialOrTypeMismatchedRange(t *testing.T) {
	a := New(1024)
	frame, err := a.AllocatePages(AllocateAnyPages, 0, efi.MemLoaderData, 8)
	require.Nil(t, err)

	// Partially overlapping a conventional region must fail.
	fErr := a.FreePages(frame, 16)
	assert.NotNil(t, fErr)
	assert.Equal(t, efi.ErrNotFound, fErr.Status)

	// Map must be unmodified by the failed free.
	snap := a.GetMemoryMap()
	require.Len(t, snap.Descriptors, 2)
}

func TestAllocateAddressSucceedsOnlyWithinConventionalRange(t *testing.T) {
	a := New(1024)
	_, err := a.AllocatePages(AllocateAnyPages, 0, efi.MemBootServicesData, 16)
	require.Nil(t, err)

	// Page 0 is now boot-services-data; allocating at that exact address
	// must fail not-found.
	_, err = a.AllocatePages(AllocateAddress, 0, efi.MemLoaderData, 1)
	assert.NotNil(t, err)
	assert.Equal(t, efi.ErrNotFound, err.Status)

	// Allocating exactly at an address still within the conventional tail
	// must succeed.
	addr := 32 * PageSize
	frame, err := a.AllocatePages(AllocateAddress, addr, efi.MemLoaderData, 4)
	require.Nil(t, err)
	assert.Equal(t, Frame(32), frame)
}

func TestMapKeyInvalidatedByMutation(t *testing.T) {
	a := New(1024)
	snap := a.GetMemoryMap()
	assert.True(t, a.ValidateMapKey(snap.MapKey))

	_, err := a.AllocatePages(AllocateAnyPages, 0, efi.MemBootServicesData, 1)
	require.Nil(t, err)

	assert.False(t, a.ValidateMapKey(snap.MapKey))
}

func TestAdjacentSameTypeAllocationsCoalesce(t *testing.T) {
	a := New(1024)
	f1, err := a.AllocatePages(AllocateAddress, 0, efi.MemBootServicesData, 4)
	require.Nil(t, err)
	_, err = a.AllocatePages(AllocateAddress, 4*PageSize, efi.MemBootServicesData, 4)
	require.Nil(t, err)

	snap := a.GetMemoryMap()
	var merged int
	for _, d := range snap.Descriptors {
		if d.Type == efi.MemBootServicesData {
			merged++
			assert.Equal(t, uint64(8), d.PageCount)
			assert.Equal(t, uint64(f1)*PageSize, d.PhysicalStart)
		}
	}
	assert.Equal(t, 1, merged)
}

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ueficore/efi"
	"ueficore/mm/pmm"
	"ueficore/tpl"
)

func newTestAllocator() *Allocator {
	return New(pmm.New(4096), tpl.New())
}

func TestAllocatePoolThenFreeLeavesTotalsUnchanged(t *testing.T) {
	a := newTestAllocator()
	before := a.TotalBytes(efi.MemBootServicesData)

	h, err := a.AllocatePool(efi.MemBootServicesData, 137)
	require.Nil(t, err)

	payload, err := a.Payload(h)
	require.Nil(t, err)
	require.Len(t, payload, 137)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.Nil(t, a.FreePool(h))
	assert.Equal(t, before, a.TotalBytes(efi.MemBootServicesData))
}

func TestFreedBlockIsReusedByFreeList(t *testing.T) {
	a := newTestAllocator()

	h1, err := a.AllocatePool(efi.MemBootServicesData, 32)
	require.Nil(t, err)
	require.Nil(t, a.FreePool(h1))
	class, _ := classFor(32)
	require.NotNil(t, a.freeLists[efi.MemBootServicesData][class])

	h2, err := a.AllocatePool(efi.MemBootServicesData, 32)
	require.Nil(t, err)
	assert.Nil(t, a.freeLists[efi.MemBootServicesData][class], "the second allocation must take the freed block off its class list")
	payload, err := a.Payload(h2)
	require.Nil(t, err)
	assert.Len(t, payload, 32)
}

func TestOversizeAllocationGoesThroughPageAllocator(t *testing.T) {
	a := newTestAllocator()

	h, err := a.AllocatePool(efi.MemBootServicesData, 8192)
	require.Nil(t, err)

	snap := a.pages.GetMemoryMap()
	var sawBSData bool
	for _, d := range snap.Descriptors {
		if d.Type == efi.MemBootServicesData {
			sawBSData = true
		}
	}
	assert.True(t, sawBSData)

	require.Nil(t, a.FreePool(h))
	snap = a.pages.GetMemoryMap()
	require.Len(t, snap.Descriptors, 1)
	assert.Equal(t, efi.MemConventional, snap.Descriptors[0].Type)
}

func TestFreeUnknownHandleFails(t *testing.T) {
	a := newTestAllocator()
	err := a.FreePool(12345)
	assert.NotNil(t, err)
	assert.Equal(t, efi.ErrInvalidParameter, err.Status)
}

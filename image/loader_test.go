package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ueficore/efi"
	"ueficore/handle"
	"ueficore/mm/pmm"
)

func newLoader() (*Loader, *pmm.Allocator, *handle.Database) {
	pages := pmm.New(16)
	handles := handle.New()
	return New(pages, handles, nil), pages, handles
}

func TestLoadImageAppliesRelocationsAndInstallsLoadedImageProtocol(t *testing.T) {
	l, _, handles := newLoader()
	buf := buildPE64Image(t)

	entry := func(h handle.ID, st interface{}) (efi.Status, interface{}) { return efi.Success, nil }

	rec, err := l.LoadImage(handle.InvalidID, "fv0/app.efi", buf, Application, entry, "")
	require.Nil(t, err)
	require.Equal(t, MachineX64, rec.Machine)
	require.Len(t, rec.RelocationLog, 1)
	require.Equal(t, RelocHighLow, rec.RelocationLog[0].Type)

	h := handles.Lookup(rec.Handle)
	require.NotNil(t, h)
	iface, ierr := handles.HandleProtocol(h, LoadedImageGUID)
	require.Nil(t, ierr)
	assert.Same(t, rec, iface)
}

func TestStartImageReturnsEntryResult(t *testing.T) {
	l, _, _ := newLoader()
	buf := buildPE64Image(t)

	entry := func(h handle.ID, st interface{}) (efi.Status, interface{}) { return efi.Success, "ok" }
	rec, err := l.LoadImage(handle.InvalidID, "fv0/app.efi", buf, Application, entry, "")
	require.Nil(t, err)

	status, data, serr := l.StartImage(rec.Handle, nil)
	require.Nil(t, serr)
	assert.Equal(t, efi.Success, status)
	assert.Equal(t, "ok", data)
	assert.True(t, rec.Started)
}

func TestExitFromWithinEntryUnwindsToStartImage(t *testing.T) {
	l, _, _ := newLoader()
	buf := buildPE64Image(t)

	var reachedAfterExit bool
	entry := func(h handle.ID, st interface{}) (efi.Status, interface{}) {
		_ = l.Exit(h, efi.ErrAborted, "exit-data", false)
		reachedAfterExit = true // must never execute: Exit unwinds via panic
		return efi.Success, nil
	}

	rec, err := l.LoadImage(handle.InvalidID, "fv0/app.efi", buf, Application, entry, "")
	require.Nil(t, err)

	status, data, serr := l.StartImage(rec.Handle, nil)
	require.Nil(t, serr)
	assert.Equal(t, efi.ErrAborted, status)
	assert.Equal(t, "exit-data", data)
	assert.False(t, reachedAfterExit)
	assert.Equal(t, efi.ErrAborted, rec.ExitStatus)
}

func TestExitBeforeStartUnloadsImmediately(t *testing.T) {
	l, pages, handles := newLoader()
	buf := buildPE64Image(t)

	entry := func(h handle.ID, st interface{}) (efi.Status, interface{}) { return efi.Success, nil }
	rec, err := l.LoadImage(handle.InvalidID, "fv0/app.efi", buf, Application, entry, "")
	require.Nil(t, err)

	before := pages.GetMemoryMap()

	require.Nil(t, l.Exit(rec.Handle, efi.Success, nil, true))

	assert.Nil(t, handles.Lookup(rec.Handle))
	after := pages.GetMemoryMap()
	assert.NotEqual(t, before.MapKey, after.MapKey)
}

func TestRuntimeDriverIsLinkedIntoRuntimeImageList(t *testing.T) {
	l, _, _ := newLoader()
	buf := buildPE64Image(t)

	entry := func(h handle.ID, st interface{}) (efi.Status, interface{}) { return efi.Success, nil }
	rec, err := l.LoadImage(handle.InvalidID, "fv0/rt.efi", buf, RuntimeDriver, entry, "")
	require.Nil(t, err)

	_, _, serr := l.StartImage(rec.Handle, nil)
	require.Nil(t, serr)

	assert.Contains(t, l.RuntimeImages(), rec.Handle)
}

func TestUnloadImageInvokesCallbackAndFreesPages(t *testing.T) {
	l, pages, handles := newLoader()
	buf := buildPE64Image(t)

	unloadCalled := false
	entry := func(h handle.ID, st interface{}) (efi.Status, interface{}) { return efi.Success, nil }
	rec, err := l.LoadImage(handle.InvalidID, "fv0/app.efi", buf, Application, entry, "")
	require.Nil(t, err)

	l.SetUnloadCallback(rec.Handle, func() *efi.Error {
		unloadCalled = true
		return nil
	})

	require.Nil(t, l.UnloadImage(rec.Handle))
	assert.True(t, unloadCalled)
	assert.Nil(t, handles.Lookup(rec.Handle))

	snap := pages.GetMemoryMap()
	for _, d := range snap.Descriptors {
		assert.NotEqual(t, efi.MemBootServicesCode, d.Type, "freed image pages must have reverted to conventional")
	}
}

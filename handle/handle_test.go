package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ueficore/efi"
)

var testGUID = efi.MustGUID("22222222-2222-2222-2222-222222222222")

func TestInstallThenHandleProtocolRoundTrips(t *testing.T) {
	db := New()
	iface := &struct{ X int }{X: 7}

	h, err := db.InstallProtocolInterface(nil, testGUID, iface)
	require.Nil(t, err)

	got, herr := db.HandleProtocol(h, testGUID)
	require.Nil(t, herr)
	assert.Same(t, iface, got)
}

func TestInstallRejectsDuplicateGUIDOnSameHandle(t *testing.T) {
	db := New()
	h, err := db.InstallProtocolInterface(nil, testGUID, "first")
	require.Nil(t, err)

	_, err = db.InstallProtocolInterface(h, testGUID, "second")
	assert.NotNil(t, err)
	assert.Equal(t, efi.ErrInvalidParameter, err.Status)
}

func TestUninstallReturnsDatabaseToPriorState(t *testing.T) {
	db := New()
	h, err := db.InstallProtocolInterface(nil, testGUID, "iface")
	require.Nil(t, err)

	require.Nil(t, db.UninstallProtocolInterface(h, testGUID))

	_, herr := db.HandleProtocol(h, testGUID)
	assert.NotNil(t, herr)
	assert.Nil(t, db.Lookup(h.ID), "removing the last interface must destroy the handle")
}

func TestUninstallRejectedWhileByDriverOpenHeld(t *testing.T) {
	db := New()
	h, err := db.InstallProtocolInterface(nil, testGUID, "iface")
	require.Nil(t, err)

	agent, _ := db.InstallProtocolInterface(nil, efi.MustGUID("33333333-3333-3333-3333-333333333333"), "agent")
	_, oerr := db.OpenProtocol(h, testGUID, agent.ID, h.ID, OpenByDriver, nil)
	require.Nil(t, oerr)

	uerr := db.UninstallProtocolInterface(h, testGUID)
	assert.NotNil(t, uerr)
	assert.Equal(t, efi.ErrAccessDenied, uerr.Status)
}

type fakeNotifier struct{ fired int }

func (f *fakeNotifier) Signal() { f.fired++ }

func TestRegisterProtocolNotifyFiresOnInstall(t *testing.T) {
	db := New()
	n := &fakeNotifier{}
	reg := db.RegisterProtocolNotify(testGUID, n)

	h, err := db.InstallProtocolInterface(nil, testGUID, "iface")
	require.Nil(t, err)

	assert.Equal(t, 1, n.fired)

	id, lerr := db.LocateNext(reg)
	require.Nil(t, lerr)
	assert.Equal(t, h.ID, id)

	_, lerr = db.LocateNext(reg)
	assert.NotNil(t, lerr)
}

func TestOpenProtocolByDriverRejectsDuplicateAgent(t *testing.T) {
	db := New()
	h, _ := db.InstallProtocolInterface(nil, testGUID, "iface")
	agent, _ := db.InstallProtocolInterface(nil, efi.MustGUID("44444444-4444-4444-4444-444444444444"), "agent")

	_, err := db.OpenProtocol(h, testGUID, agent.ID, h.ID, OpenByDriver, nil)
	require.Nil(t, err)

	_, err = db.OpenProtocol(h, testGUID, agent.ID, h.ID, OpenByDriver, nil)
	assert.NotNil(t, err)
	assert.Equal(t, efi.ErrAlreadyStarted, err.Status)
}

func TestOpenExclusiveRejectedWhenByDriverHeld(t *testing.T) {
	db := New()
	h, _ := db.InstallProtocolInterface(nil, testGUID, "iface")
	agent, _ := db.InstallProtocolInterface(nil, efi.MustGUID("55555555-5555-5555-5555-555555555555"), "agent")

	_, err := db.OpenProtocol(h, testGUID, agent.ID, h.ID, OpenByDriver, nil)
	require.Nil(t, err)

	_, err = db.OpenProtocol(h, testGUID, InvalidID, h.ID, OpenExclusive, nil)
	assert.NotNil(t, err)
	assert.Equal(t, efi.ErrAccessDenied, err.Status)
}

func TestByDriverExclusiveEvictsNonDriverOpens(t *testing.T) {
	db := New()
	h, _ := db.InstallProtocolInterface(nil, testGUID, "iface")

	_, err := db.OpenProtocol(h, testGUID, InvalidID, h.ID, OpenByHandle, nil)
	require.Nil(t, err)

	evicted := false
	disconnect := func(controller ID) *efi.Error {
		evicted = true
		return nil
	}

	agent, _ := db.InstallProtocolInterface(nil, efi.MustGUID("66666666-6666-6666-6666-666666666666"), "agent")
	_, err = db.OpenProtocol(h, testGUID, agent.ID, h.ID, OpenByDriverExclusive, disconnect)
	require.Nil(t, err)
	assert.True(t, evicted)
}

func TestCloseProtocolRemovesMatchingRef(t *testing.T) {
	db := New()
	h, _ := db.InstallProtocolInterface(nil, testGUID, "iface")
	agent, _ := db.InstallProtocolInterface(nil, efi.MustGUID("77777777-7777-7777-7777-777777777777"), "agent")

	_, err := db.OpenProtocol(h, testGUID, agent.ID, h.ID, OpenByDriver, nil)
	require.Nil(t, err)

	require.Nil(t, db.CloseProtocol(h, testGUID, agent.ID, h.ID))

	cerr := db.CloseProtocol(h, testGUID, agent.ID, h.ID)
	assert.NotNil(t, cerr)
	assert.Equal(t, efi.ErrNotFound, cerr.Status)
}

func TestLocateHandlesByProtocolEmptyDatabase(t *testing.T) {
	db := New()
	ids, err := db.LocateHandlesByProtocol(testGUID)
	assert.Nil(t, ids)
	assert.NotNil(t, err)
	assert.Equal(t, efi.ErrNotFound, err.Status)
}

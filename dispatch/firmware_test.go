package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ueficore/efi"
	"ueficore/event"
	"ueficore/handle"
)

func testConfig() Config {
	return Config{
		TotalPages:             1024,
		TickFrequencyHz:        1_000_000,
		WatchdogDefaultSeconds: 5,
	}
}

func TestNewRunsInitPhasesInOrderAndActivatesBootServices(t *testing.T) {
	p := NewFakePlatform()
	f, err := New(testConfig(), p)
	require.Nil(t, err)

	require.Equal(t, []InitPhase{InitPhaseEarly, InitPhaseMemoryReady, InitPhaseDispatchReady}, p.Phases)
	require.True(t, f.BootServicesActive())
	require.NotNil(t, f.Scheduler)
	require.NotNil(t, f.Pages)
	require.NotNil(t, f.Pool)
	require.NotNil(t, f.Events)
	require.NotNil(t, f.Handles)
	require.NotNil(t, f.CfgTable)
	require.NotNil(t, f.ACPI)
	require.NotNil(t, f.Loader)
}

func TestOpenFirmwareVolumesSkipsUnparseableVolumesConcurrently(t *testing.T) {
	p := NewFakePlatform()
	f, err := New(testConfig(), p)
	require.Nil(t, err)

	p.Volumes = [][]byte{[]byte("not a volume"), []byte("also not a volume"), nil}

	volumes, verr := f.OpenFirmwareVolumes()
	require.Nil(t, verr)
	require.Empty(t, volumes)
}

func TestBootSkipsUnloadableDriverImageWithoutFailingOverall(t *testing.T) {
	p := NewFakePlatform()
	f, err := New(testConfig(), p)
	require.Nil(t, err)

	berr := f.Boot([]DriverImage{{DevicePath: "fv0/bad.efi", Buf: []byte("not a PE image")}})
	require.Nil(t, berr)
}

// fakeBinding implements handle.DriverBinding, simulating a driver that
// registered its binding protocol directly (standing in for one that would
// normally have been installed from within a loaded image's entry point).
type fakeBinding struct {
	version      uint32
	imageHandle  handle.ID
	supports     func(controller handle.ID) bool
	startCalls   []handle.ID
	startResult  *efi.Error
}

func (b *fakeBinding) Supported(db *handle.Database, controller handle.ID) bool {
	return b.supports(controller)
}

func (b *fakeBinding) Start(db *handle.Database, controller handle.ID) *efi.Error {
	b.startCalls = append(b.startCalls, controller)
	return b.startResult
}

func (b *fakeBinding) Stop(db *handle.Database, controller handle.ID, children []handle.ID) *efi.Error {
	return nil
}

func (b *fakeBinding) Version() uint32     { return b.version }
func (b *fakeBinding) ImageHandle() handle.ID { return b.imageHandle }

func TestBootConnectsPlatformRootControllersToMatchingDriverBinding(t *testing.T) {
	p := NewFakePlatform()
	f, err := New(testConfig(), p)
	require.Nil(t, err)

	root, herr := f.Handles.InstallProtocolInterface(nil, efi.MustGUID("aaaaaaaa-0000-0000-0000-000000000000"), "root-device")
	require.Nil(t, herr)

	binding := &fakeBinding{
		version:     1,
		imageHandle: handle.ID(9001),
		supports:    func(controller handle.ID) bool { return controller == root.ID },
	}
	bindingHandle, herr := f.Handles.InstallProtocolInterface(nil, handle.DriverBindingGUID, binding)
	require.Nil(t, herr)
	require.NotNil(t, bindingHandle)

	p.Roots = []handle.ID{root.ID}

	berr := f.Boot(nil)
	require.Nil(t, berr)
	require.Equal(t, []handle.ID{root.ID}, binding.startCalls)
}

func TestBootFailsWhenNoDriverBindsAnyRootController(t *testing.T) {
	p := NewFakePlatform()
	f, err := New(testConfig(), p)
	require.Nil(t, err)

	root, herr := f.Handles.InstallProtocolInterface(nil, efi.MustGUID("bbbbbbbb-0000-0000-0000-000000000000"), "root-device")
	require.Nil(t, herr)
	p.Roots = []handle.ID{root.ID}

	berr := f.Boot(nil)
	require.NotNil(t, berr)
	require.Equal(t, efi.ErrNotFound, berr.Status)
}

func TestExitBootServicesRejectsStaleMapKey(t *testing.T) {
	p := NewFakePlatform()
	f, err := New(testConfig(), p)
	require.Nil(t, err)

	snap := f.Pages.GetMemoryMap()
	_, aerr := f.Pages.AllocatePages(0, 0, efi.MemBootServicesData, 1)
	require.Nil(t, aerr)

	berr := f.ExitBootServices(handle.InvalidID, snap.MapKey)
	require.NotNil(t, berr)
	require.Equal(t, efi.ErrInvalidParameter, berr.Status)
	require.True(t, f.BootServicesActive())
}

func TestExitBootServicesSucceedsAndIsTerminal(t *testing.T) {
	p := NewFakePlatform()
	f, err := New(testConfig(), p)
	require.Nil(t, err)

	var notified bool
	_, everr := f.Events.CreateEvent(event.TypeNotifySignal, efi.TPLNotify, func(e *event.Event, ctx interface{}) {
		notified = true
	}, nil, efi.EventGroupExitBootServices, true)
	require.Nil(t, everr)

	snap := f.Pages.GetMemoryMap()
	berr := f.ExitBootServices(handle.InvalidID, snap.MapKey)
	require.Nil(t, berr)
	require.True(t, notified, "exit-boot-services group member must be notified during the terminal handoff")
	require.False(t, f.BootServicesActive())
	require.True(t, f.RuntimeImagesLocked())
	require.True(t, p.TerminatedTimers)

	berr = f.ExitBootServices(handle.InvalidID, snap.MapKey)
	require.NotNil(t, berr)
	require.Equal(t, efi.ErrNotReady, berr.Status)

	berr = f.Boot(nil)
	require.NotNil(t, berr)
	require.Equal(t, efi.ErrNotReady, berr.Status)
}

// Command ueficore is the firmware entrypoint: it parses a platform
// description file named by its --config flag, constructs a dispatch.Firmware,
// and runs its driver-dispatch sequence. Flag parsing uses
// github.com/spf13/cobra and the platform description is YAML
// (gopkg.in/yaml.v3).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ueficore/dispatch"
	"ueficore/internal/klog"
)

var log = klog.For("ueficore")

// platformDescription is the on-disk shape of the YAML file --config
// points at: initial memory map, tick frequency, watchdog default, driver
// search order.
type platformDescription struct {
	TotalPages             uint64   `yaml:"total_pages"`
	TickFrequencyHz        uint64   `yaml:"tick_frequency_hz"`
	WatchdogDefaultSeconds uint64   `yaml:"watchdog_default_seconds"`
	DriverSearchOrder      []string `yaml:"driver_search_order"`
}

func (d platformDescription) toConfig() dispatch.Config {
	return dispatch.Config{
		TotalPages:             d.TotalPages,
		TickFrequencyHz:        d.TickFrequencyHz,
		WatchdogDefaultSeconds: d.WatchdogDefaultSeconds,
		DriverSearchOrder:      d.DriverSearchOrder,
	}
}

// defaultDescription is used when --config is omitted, sized for a small
// in-memory simulation rather than real hardware.
var defaultDescription = platformDescription{
	TotalPages:             65536, // 256 MiB at a 4 KiB page size
	TickFrequencyHz:        1_000_000,
	WatchdogDefaultSeconds: 5,
}

func loadPlatformDescription(path string) (platformDescription, error) {
	if path == "" {
		return defaultDescription, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return platformDescription{}, fmt.Errorf("reading platform description: %w", err)
	}

	desc := defaultDescription
	if err := yaml.Unmarshal(buf, &desc); err != nil {
		return platformDescription{}, fmt.Errorf("parsing platform description: %w", err)
	}
	return desc, nil
}

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Construct the firmware core and run its boot-services dispatch sequence",
		Long: `run wires every boot-services subsystem (TPL scheduler, memory services,
event/timer core, handle/protocol database, configuration table, image
loader, firmware-volume reader, ACPI table manager) into a single
dispatch.Firmware and drives it through driver dispatch.

Concrete platform integration (real timers, firmware volumes, device
enumeration) is supplied by whatever implements dispatch.Platform; this
command uses an in-memory fake standing in for real hardware hooks, since
concrete drivers and platform init are out of scope for the core itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFirmware(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML platform description file")
	return cmd
}

func runFirmware(configPath string) error {
	desc, err := loadPlatformDescription(configPath)
	if err != nil {
		return err
	}

	platform := dispatch.NewFakePlatform()
	firmware, ferr := dispatch.New(desc.toConfig(), platform)
	if ferr != nil {
		return fmt.Errorf("constructing firmware: %w", ferr)
	}

	if err := firmware.Boot(nil); err != nil {
		return fmt.Errorf("boot dispatch: %w", err)
	}

	log.Info("firmware boot dispatch complete, boot services remain active")
	return nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ueficore",
		Short: "A UEFI-compatible boot-services firmware core",
		Long: `ueficore hosts the boot-services execution substrate of a UEFI-compatible
firmware: task-priority scheduling, memory services, the event/timer core,
the handle/protocol database, the PE/COFF and TE image loader, the
firmware-volume reader, and the ACPI table manager.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.WithError(err).Error("ueficore exited with an error")
		os.Exit(1)
	}
}

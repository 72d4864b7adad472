package vmm

import (
	"fmt"
	"os"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

const qmpTimeout = 2 * time.Second

// powerdown asks the guest to shut down through ACPI via the QMP socket.
func powerdown(socket string) error {
	if _, err := os.Stat(socket); err != nil {
		return fmt.Errorf("qmp socket: %w", err)
	}
	mon, err := qmp.NewSocketMonitor("unix", socket, qmpTimeout)
	if err != nil {
		return fmt.Errorf("dial qmp: %w", err)
	}
	if err := mon.Connect(); err != nil {
		return fmt.Errorf("qmp handshake: %w", err)
	}
	defer mon.Disconnect()

	if _, err := mon.Run([]byte(`{"execute":"system_powerdown"}`)); err != nil {
		return fmt.Errorf("qmp system_powerdown: %w", err)
	}
	return nil
}

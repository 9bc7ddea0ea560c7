// Package genid issues unique IDs and trace keys for tips, withdrawals and
// settlement runs. Sonyflake IDs embed a timestamp and per-machine sequence,
// so a key generated for one logical request is stable under caller retries
// that reuse it.
package genid

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sony/sonyflake"
)

var flake *sonyflake.Sonyflake

func init() {
	startTime, _ := time.Parse("2006-01-02", "2024-01-01")
	flake = sonyflake.NewSonyflake(sonyflake.Settings{
		StartTime: startTime,
		MachineID: machineID,
	})
}

// NextID returns a unique snowflake ID.
func NextID() (int64, error) {
	id, err := flake.NextID()
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}

// TraceKey builds a prefixed trace key, e.g. "TIP-123456789".
func TraceKey(prefix string) (string, error) {
	id, err := NextID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", prefix, id), nil
}

func machineID() (uint16, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		var sum int
		for _, b := range iface.HardwareAddr {
			sum += int(b)
		}
		return uint16(sum % 1024), nil
	}
	return 0, errors.New("no network interface with a MAC address found")
}

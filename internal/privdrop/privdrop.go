// Package privdrop drops unneeded Linux capabilities once the gateway's
// raw CAN socket (or SocketCAN-equivalent device) is open and bound.
//
// Opening a raw CAN socket needs CAP_NET_RAW. Nothing after that point
// needs it, or any other capability, so it gets dropped too — the
// running process is left with an empty effective capability set,
// matching root-owned-socket daemons that bind once and then fully
// de-privilege.
package privdrop

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// capLastCap is CAP_NET_RAW's capability number on Linux.
const capNetRaw = 13

// DropAll clears the process's effective, permitted, and inheritable
// capability sets entirely, and clears supplementary groups. Best
// effort: failures are logged by the caller via the returned error,
// never fatal — a gateway that can't drop privileges should still run,
// just with a wider blast radius if later compromised.
func DropAll() error {
	if err := unix.Setgroups(nil); err != nil {
		return fmt.Errorf("privdrop: setgroups: %w", err)
	}

	hdr := unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     0, // calling process
	}
	data := [2]unix.CapUserData{} // zero value: no capabilities in any set

	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("privdrop: capset: %w", err)
	}

	return nil
}

// DropToNetRawOnly clears every capability except CAP_NET_RAW, for
// deployments that need to re-bind or re-open the CAN socket later
// (e.g. after a config hot-reload that changes the bus interface).
func DropToNetRawOnly() error {
	if err := unix.Setgroups(nil); err != nil {
		return fmt.Errorf("privdrop: setgroups: %w", err)
	}

	hdr := unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     0,
	}

	var data [2]unix.CapUserData
	mask := uint32(1) << uint(capNetRaw%32)
	data[0].Effective = mask
	data[0].Permitted = mask
	data[0].Inheritable = 0

	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("privdrop: capset: %w", err)
	}

	return nil
}

// LogResult logs the outcome of a privilege drop at the appropriate level.
func LogResult(log *zap.Logger, step string, err error) {
	if err != nil {
		log.Warn("privilege drop failed, continuing with elevated privileges",
			zap.String("step", step), zap.Error(err))
		return
	}
	log.Info("privileges dropped", zap.String("step", step))
}

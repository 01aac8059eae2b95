// Package directory contains concrete implementations of the relay.Directory
// interface: the profile-lookup collaborator resolving recognized logical
// identities.
package directory

import (
	"context"
	"fmt"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
)

// StaticDirectory serves a fixed device list from configuration. A kiosk
// deployment knows its handful of callers up front, so this is the default
// for single-site installs and for local run mode.
type StaticDirectory struct {
	devices map[relay.DeviceID]relay.DeviceProfile
}

// NewStaticDirectory builds a directory from the configured device list.
func NewStaticDirectory(profiles []relay.DeviceProfile) (*StaticDirectory, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("static directory requires at least one device")
	}
	devices := make(map[relay.DeviceID]relay.DeviceProfile, len(profiles))
	for _, p := range profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("static directory entry with empty device id")
		}
		devices[p.ID] = p
	}
	return &StaticDirectory{devices: devices}, nil
}

// Lookup satisfies relay.Directory.
func (d *StaticDirectory) Lookup(_ context.Context, id relay.DeviceID) (relay.DeviceProfile, error) {
	profile, ok := d.devices[id]
	if !ok {
		return relay.DeviceProfile{}, relay.ErrUnknownDevice
	}
	return profile, nil
}

// Close satisfies relay.Directory. Nothing to release.
func (d *StaticDirectory) Close() error { return nil }

/*
File: pkg/relay/interfaces.go
Description: Defines the interfaces the relay core consumes: the transport
connection, the device directory, and the wake notifier.
*/
package relay

import (
	"context"
	"errors"

	"github.com/jmolds/bill-phone-sub000/pkg/signal"
)

// ErrUnknownDevice is returned by a Directory when a logical identity is not
// a recognized device.
var ErrUnknownDevice = errors.New("unknown device")

// Conn is an open, transport-level channel to one client process. It is
// owned exclusively by the transport layer; the relay core only ever holds
// it through the registry and never persists it.
//
// Send must preserve per-connection ordering: frames enqueued by successive
// Send calls are delivered to the client in call order. Send never blocks on
// the network; a full outbound buffer is an error.
type Conn interface {
	// ID is a unique identifier for this connection, stable for its
	// lifetime. Cleanup is keyed by it, never by logical identity.
	ID() string
	// RemoteAddr is the source address used as the admission-control key.
	RemoteAddr() string
	Send(env *signal.Envelope) error
	Close() error
}

// Directory is the profile-lookup collaborator providing the set of
// recognized logical identities. Lookup returns ErrUnknownDevice for an
// identity the deployment does not know.
type Directory interface {
	Lookup(ctx context.Context, id DeviceID) (DeviceProfile, error)
	Close() error
}

// WakeNotifier delivers a best-effort wake-up poke to a device that is not
// currently connected, so its app can come online and register. Delivery is
// not guaranteed and failures are non-fatal.
type WakeNotifier interface {
	Wake(ctx context.Context, device DeviceID, from DeviceID) error
}

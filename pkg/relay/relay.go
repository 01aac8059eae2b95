// Package relay contains the public domain models, interfaces, and dependency
// definitions for the call-signalling relay. It defines the contract between
// the relay core and its external collaborators: the transport that owns
// connections, the device directory, and the wake notifier.
package relay

import "time"

// DeviceID is a stable, application-chosen logical identity for a device
// ("kiosk", "caller-1"), independent of any one transport connection.
type DeviceID string

func (d DeviceID) String() string { return string(d) }

// DeviceProfile is a recognized device record from the profile-lookup
// service. The relay uses it only to validate registration.
type DeviceProfile struct {
	ID          DeviceID `json:"id" firestore:"id"`
	DisplayName string   `json:"displayName" firestore:"display_name"`
	Platform    string   `json:"platform" firestore:"platform"`
	// Trusted marks a platform tag granted the higher admission ceiling.
	Trusted bool `json:"trusted" firestore:"trusted"`
}

// RegistrationInfo is the read-only view of a live registry binding, as
// exposed by the ops API.
type RegistrationInfo struct {
	DeviceID        DeviceID  `json:"deviceId"`
	ConnectionID    string    `json:"connectionId"`
	Platform        string    `json:"platform"`
	ProtocolVersion int       `json:"protocolVersion"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// SessionInfo is the read-only view of a tracked call session.
type SessionInfo struct {
	Initiator DeviceID  `json:"initiator"`
	Responder DeviceID  `json:"responder"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Dependencies holds the external services the relay needs to operate.
// This struct is used for dependency injection.
type Dependencies struct {
	// Directory resolves recognized logical identities.
	Directory Directory
	// Wake delivers best-effort wake-up pokes to offline devices.
	Wake WakeNotifier
}

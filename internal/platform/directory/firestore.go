/*
File: internal/platform/directory/firestore.go
Description: Firestore-backed device directory. Caller profiles are managed
by the profile service; the relay only reads them to validate registration.
*/
package directory

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
)

// FirestoreDirectory implements relay.Directory against the caller-profiles
// collection maintained by the profile service.
type FirestoreDirectory struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreDirectory is the constructor for the FirestoreDirectory.
func NewFirestoreDirectory(client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		return nil, fmt.Errorf("directory collection name cannot be empty")
	}
	return &FirestoreDirectory{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreDirectory").Logger(),
	}, nil
}

// Lookup fetches the profile document keyed by the logical device id. A
// missing document maps to relay.ErrUnknownDevice.
func (d *FirestoreDirectory) Lookup(ctx context.Context, id relay.DeviceID) (relay.DeviceProfile, error) {
	snap, err := d.client.Collection(d.collection).Doc(id.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return relay.DeviceProfile{}, relay.ErrUnknownDevice
		}
		return relay.DeviceProfile{}, fmt.Errorf("failed to fetch device profile %q: %w", id, err)
	}

	var profile relay.DeviceProfile
	if err := snap.DataTo(&profile); err != nil {
		return relay.DeviceProfile{}, fmt.Errorf("failed to unmarshal device profile %q: %w", id, err)
	}
	if profile.ID == "" {
		profile.ID = id
	}
	return profile, nil
}

// Close releases the underlying client.
func (d *FirestoreDirectory) Close() error {
	return d.client.Close()
}

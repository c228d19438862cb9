// Package snapshot persists relay state so a restarted process can recover
// the clients and tabs it knew about.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/kandev/tabrelay/internal/relay/models"
)

// SchemaVersion is the only document version this build reads and writes.
const SchemaVersion = 1

var (
	// ErrNoSnapshot means nothing has been persisted yet.
	ErrNoSnapshot = errors.New("no snapshot")
	// ErrInvalidSnapshot means the persisted document failed to parse or validate.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// Snapshot is the persisted document.
type Snapshot struct {
	Version int                  `json:"version" validate:"eq=1"`
	SavedAt int64                `json:"savedAt" validate:"gte=0"`
	Clients []models.ClientState `json:"clients" validate:"required,dive"`
	Tabs    []models.TabState    `json:"tabs" validate:"required,dive"`
}

// Store loads and saves snapshots.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

var validate = validator.New()

// Decode parses and validates a snapshot document. Unknown fields and
// mismatched types are rejected.
func Decode(data []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := validate.Struct(&snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return &snap, nil
}

// Encode serializes a snapshot.
func Encode(snap *Snapshot) ([]byte, error) {
	if snap.Clients == nil {
		snap.Clients = []models.ClientState{}
	}
	if snap.Tabs == nil {
		snap.Tabs = []models.TabState{}
	}
	return json.MarshalIndent(snap, "", "  ")
}

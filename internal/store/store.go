// Package store persists named recordings. The default backend keeps
// one JSON document per recording on disk; a Redis backend is available
// for agents that should not write local files.
package store

import (
	"context"
	"errors"

	"github.com/tabwire/tabwire/internal/recording"
)

// ErrNotFound is returned when no recording exists under the given name.
var ErrNotFound = errors.New("recording not found")

// Store is the durable recording backend. Save overwrites any existing
// recording with the same name; Delete is explicit; recordings outlive
// any transport session.
type Store interface {
	Save(ctx context.Context, rec recording.Recording) error
	Get(ctx context.Context, name string) (recording.Recording, error)
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, name string) error
}

// Info summarizes a stored recording for listings.
type Info struct {
	Name      string `json:"name"`
	OriginURL string `json:"origin_url"`
	CreatedAt string `json:"created_at"`
	Actions   int    `json:"actions"`
}

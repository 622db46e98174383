// Package storage defines where finished shots go: artifact blobs and one
// record per shot. Backends live in the subpackages.
package storage

import (
	"context"
	"io"
	"time"
)

// BlobStore persists artifact bytes and returns a URL clients can fetch
// them from.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Sweeper is implemented by blob stores that expire their own artifacts.
type Sweeper interface {
	// RemoveOlderThan deletes artifacts last modified before cutoff and
	// returns how many files it removed.
	RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Shot outcomes.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Crop is the document region an artifact was cut from.
type Crop struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ShotRecord describes one finished shot.
type ShotRecord struct {
	ID         string
	Action     string
	Target     string
	Status     string
	ErrorKind  string
	Error      string
	Artifacts  []string
	// Checksums are hex SHA-256 digests, one per artifact.
	Checksums  []string
	Crops      []Crop
	Pages      int
	Elapsed    time.Duration
	FinishedAt time.Time
}

// ShotStore keeps shot records.
type ShotStore interface {
	StoreShot(ctx context.Context, rec ShotRecord) error
}

// NopShotStore drops every record.
type NopShotStore struct{}

// StoreShot does nothing.
func (NopShotStore) StoreShot(context.Context, ShotRecord) error { return nil }

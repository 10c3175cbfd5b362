// Package session holds the persisted mesh snapshot used to resume after a
// restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL bounds how old a snapshot may be and still be resumed.
const DefaultTTL = 120 * time.Second

var (
	ErrNotFound = errors.New("no session snapshot")
	ErrExpired  = errors.New("session snapshot expired")
)

type Peer struct {
	PeerID string `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
}

// Snapshot is the local identity plus the peers established when it was
// taken.
type Snapshot struct {
	LocalID   string
	LocalName string
	Peers     []Peer
	Timestamp time.Time
}

// Fresh reports whether the snapshot is younger than ttl at now.
func (s Snapshot) Fresh(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return now.Sub(s.Timestamp) < ttl
}

// Repository stores at most one snapshot.
type Repository interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Delete(ctx context.Context) error
}

// Consume loads the stored snapshot and removes it, so a snapshot is used
// at most once. A stale snapshot is removed too and reported as ErrExpired.
func Consume(ctx context.Context, repo Repository, now time.Time, ttl time.Duration) (Snapshot, error) {
	snap, err := repo.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if err := repo.Delete(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("deleting consumed snapshot: %w", err)
	}
	if !snap.Fresh(now, ttl) {
		return Snapshot{}, ErrExpired
	}
	return snap, nil
}

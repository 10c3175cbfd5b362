// Package store persists mesh snapshots in the local database.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rudransh-shrivastava/peer-mesh/internal/db"
	"github.com/rudransh-shrivastava/peer-mesh/internal/session"
)

// snapshotRowID is the primary key of the only snapshot row.
const snapshotRowID = 1

type SnapshotStore struct {
	DB  *gorm.DB
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ session.Repository = (*SnapshotStore)(nil)

func NewSnapshotStore(gdb *gorm.DB) (*SnapshotStore, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{DB: gdb, enc: enc, dec: dec}, nil
}

// Save replaces the stored snapshot.
func (s *SnapshotStore) Save(ctx context.Context, snap session.Snapshot) error {
	peers, err := s.enc.Marshal(snap.Peers)
	if err != nil {
		return fmt.Errorf("encoding peers: %w", err)
	}

	row := db.SessionSnapshot{
		ID:        snapshotRowID,
		LocalID:   snap.LocalID,
		LocalName: snap.LocalName,
		Peers:     peers,
		Timestamp: snap.Timestamp.UnixMilli(),
	}
	return s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

func (s *SnapshotStore) Load(ctx context.Context) (session.Snapshot, error) {
	var row db.SessionSnapshot
	err := s.DB.WithContext(ctx).First(&row, snapshotRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Snapshot{}, session.ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, err
	}

	var peers []session.Peer
	if len(row.Peers) > 0 {
		if err := s.dec.Unmarshal(row.Peers, &peers); err != nil {
			return session.Snapshot{}, fmt.Errorf("decoding peers: %w", err)
		}
	}

	return session.Snapshot{
		LocalID:   row.LocalID,
		LocalName: row.LocalName,
		Peers:     peers,
		Timestamp: time.UnixMilli(row.Timestamp),
	}, nil
}

func (s *SnapshotStore) Delete(ctx context.Context) error {
	return s.DB.WithContext(ctx).Delete(&db.SessionSnapshot{}, snapshotRowID).Error
}

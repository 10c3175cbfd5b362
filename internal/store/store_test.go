package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/db"
	"github.com/rudransh-shrivastava/peer-mesh/internal/session"
	"github.com/rudransh-shrivastava/peer-mesh/internal/store"
)

func setupTestStore(t *testing.T) *store.SnapshotStore {
	t.Helper()
	gdb, err := db.Open(filepath.Join(t.TempDir(), "mesh.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })

	s, err := store.NewSnapshotStore(gdb)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestSnapshotStore_LoadEmpty(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Load(context.Background())
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotStore_SaveLoad(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ts := time.UnixMilli(time.Now().UnixMilli())

	err := s.Save(ctx, session.Snapshot{
		LocalID:   "ab12",
		LocalName: "Swift Fox",
		Peers: []session.Peer{
			{PeerID: "cd34", Name: "Calm Owl"},
			{PeerID: "ef56", Name: "Bold Wolf"},
		},
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.LocalName != "Swift Fox" {
		t.Errorf("expected name 'Swift Fox', got %q", snap.LocalName)
	}
	if len(snap.Peers) != 2 || snap.Peers[1].PeerID != "ef56" {
		t.Errorf("unexpected peers: %+v", snap.Peers)
	}
	if !snap.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, snap.Timestamp)
	}
}

func TestSnapshotStore_SaveReplaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_ = s.Save(ctx, session.Snapshot{LocalID: "ab12", Peers: []session.Peer{{PeerID: "cd34"}}, Timestamp: time.Now()})
	if err := s.Save(ctx, session.Snapshot{LocalID: "ab12", Timestamp: time.Now()}); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap.Peers) != 0 {
		t.Errorf("expected peers to be replaced, got %+v", snap.Peers)
	}
}

func TestSnapshotStore_Delete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_ = s.Save(ctx, session.Snapshot{LocalID: "ab12", Timestamp: time.Now()})
	if err := s.Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx); err != nil {
		t.Errorf("expected deleting a missing snapshot to succeed, got %v", err)
	}

	if _, err := s.Load(ctx); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSnapshotStore_Consume(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.Save(ctx, session.Snapshot{LocalID: "ab12", LocalName: "Swift Fox", Timestamp: now.Add(-30 * time.Second)})

	snap, err := session.Consume(ctx, s, now, session.DefaultTTL)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if snap.LocalID != "ab12" {
		t.Errorf("expected 'ab12', got %q", snap.LocalID)
	}

	if _, err := s.Load(ctx); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected snapshot to be consumed, got %v", err)
	}
}

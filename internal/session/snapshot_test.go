package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memRepo struct {
	snap    *Snapshot
	deletes int
}

func (r *memRepo) Save(_ context.Context, snap Snapshot) error {
	r.snap = &snap
	return nil
}

func (r *memRepo) Load(context.Context) (Snapshot, error) {
	if r.snap == nil {
		return Snapshot{}, ErrNotFound
	}
	return *r.snap, nil
}

func (r *memRepo) Delete(context.Context) error {
	r.deletes++
	r.snap = nil
	return nil
}

func TestFresh(t *testing.T) {
	now := time.Now()
	snap := Snapshot{Timestamp: now.Add(-119 * time.Second)}

	if !snap.Fresh(now, DefaultTTL) {
		t.Error("expected snapshot younger than ttl to be fresh")
	}
	if snap.Fresh(now.Add(2*time.Second), DefaultTTL) {
		t.Error("expected snapshot older than ttl to be stale")
	}
	if !snap.Fresh(now, 0) {
		t.Error("expected zero ttl to fall back to the default")
	}
}

func TestConsumeReturnsOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := &memRepo{}

	_ = repo.Save(ctx, Snapshot{
		LocalID:   "ab12",
		LocalName: "Swift Fox",
		Peers:     []Peer{{PeerID: "cd34", Name: "Calm Owl"}},
		Timestamp: now.Add(-time.Minute),
	})

	snap, err := Consume(ctx, repo, now, DefaultTTL)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if snap.LocalID != "ab12" {
		t.Errorf("expected local id 'ab12', got %q", snap.LocalID)
	}
	if len(snap.Peers) != 1 || snap.Peers[0].Name != "Calm Owl" {
		t.Errorf("unexpected peers: %+v", snap.Peers)
	}

	if _, err := Consume(ctx, repo, now, DefaultTTL); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second consume, got %v", err)
	}
}

func TestConsumeDeletesExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := &memRepo{}

	_ = repo.Save(ctx, Snapshot{LocalID: "ab12", Timestamp: now.Add(-3 * time.Minute)})

	if _, err := Consume(ctx, repo, now, DefaultTTL); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if repo.deletes != 1 {
		t.Errorf("expected expired snapshot to be deleted, got %d deletes", repo.deletes)
	}
}

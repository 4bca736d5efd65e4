package presence

import (
	"testing"
	"time"

	"mneumonicore/internal/models"
)

func TestStoreNeverHoldsSelf(t *testing.T) {
	t.Parallel()
	s := NewStore("me")

	if s.Upsert(Collaborator{UserID: "me", Username: "Me"}) {
		t.Error("upsert of self should be refused")
	}
	if s.UpdateCursor("me", models.Cursor{X: 1}, true, time.Now()) {
		t.Error("cursor update for self should be refused")
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d entries", s.Len())
	}

	s.Upsert(Collaborator{UserID: "other", Username: "Other"})
	s.SetSelf("other")
	if _, ok := s.Get("other"); ok {
		t.Error("SetSelf should evict the new self entry")
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()
	s := NewStore("me")

	s.Upsert(Collaborator{UserID: "b", Username: "Bob", Color: "#FF6B6B"})
	s.UpdateCursor("b", models.Cursor{X: 3, Y: 4}, true, time.Now())
	s.Upsert(Collaborator{UserID: "b", Username: "Bobby", Color: "#4ECDC4"})

	if s.Len() != 1 {
		t.Fatalf("expected one entry, got %d", s.Len())
	}
	c, _ := s.Get("b")
	if c.Username != "Bobby" {
		t.Errorf("expected refreshed username, got %q", c.Username)
	}
	if c.Color != "#FF6B6B" || c.Cursor.X != 3 || !c.IsTyping {
		t.Errorf("existing presence state should survive a repeated join, got %+v", c)
	}
}

func TestOrphanCursorIsDropped(t *testing.T) {
	t.Parallel()
	s := NewStore("me")
	s.Upsert(Collaborator{UserID: "b", Username: "Bob"})
	before := s.Snapshot()

	if s.UpdateCursor("ghost", models.Cursor{X: 9}, true, time.Now()) {
		t.Error("cursor for unknown user should report false")
	}
	after := s.Snapshot()
	if len(after) != len(before) || after[0] != before[0] {
		t.Errorf("store changed on orphan cursor: %+v -> %+v", before, after)
	}
}

func TestUpdateCursorAndRemove(t *testing.T) {
	t.Parallel()
	s := NewStore("me")
	s.Upsert(Collaborator{UserID: "b", Username: "Bob"})

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sel := &models.Selection{Start: 2, End: 7}
	if !s.UpdateCursor("b", models.Cursor{X: 10, Y: 20, Selection: sel}, true, at) {
		t.Fatal("expected cursor update to apply")
	}
	c, _ := s.Get("b")
	if c.Cursor.X != 10 || c.Cursor.Y != 20 || c.Cursor.Selection.End != 7 || !c.IsTyping || !c.LastSeen.Equal(at) {
		t.Errorf("unexpected collaborator %+v", c)
	}

	if !s.Remove("b") || s.Remove("b") {
		t.Error("expected first Remove true, second false")
	}
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	t.Parallel()
	s := NewStore("me")
	s.Upsert(Collaborator{UserID: "2", Username: "zoe"})
	s.Upsert(Collaborator{UserID: "1", Username: "adam"})

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Username != "adam" || snap[1].Username != "zoe" {
		t.Fatalf("unexpected snapshot order %+v", snap)
	}

	snap[0].Username = "mutated"
	if c, _ := s.Get("1"); c.Username != "adam" {
		t.Error("snapshot must not alias store entries")
	}

	s.Clear()
	if s.Len() != 0 {
		t.Error("Clear should empty the store")
	}
}

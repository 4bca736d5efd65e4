// Package view renders presence snapshots for a terminal. It never talks to
// the network.
package view

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"mneumonicore/internal/presence"
)

// DefaultGrace is how long a typing indicator stays up after the last typing signal.
const DefaultGrace = 3 * time.Second

type indicator struct {
	collaborator presence.Collaborator
	timer        *time.Timer
	seq          uint64
}

// CursorIndicator tracks which collaborators should show a typing marker.
// A marker appears as soon as a collaborator is seen typing and hides Grace
// after the last typing signal. A not-typing signal does not hide it early.
type CursorIndicator struct {
	grace    time.Duration
	onChange func()

	mu      sync.Mutex
	visible map[string]*indicator
	seq     uint64
}

// NewCursorIndicator returns an indicator with the given grace period. onChange
// runs whenever the visible set changes and may be nil.
func NewCursorIndicator(grace time.Duration, onChange func()) *CursorIndicator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &CursorIndicator{
		grace:    grace,
		onChange: onChange,
		visible:  make(map[string]*indicator),
	}
}

// Sync applies a presence snapshot. A typing collaborator whose LastSeen moved
// forward is shown or refreshed. Collaborators no longer present are hidden at once.
func (ci *CursorIndicator) Sync(collaborators []presence.Collaborator) {
	present := make(map[string]struct{}, len(collaborators))
	changed := false

	ci.mu.Lock()
	for _, c := range collaborators {
		present[c.UserID] = struct{}{}
		ind, shown := ci.visible[c.UserID]
		switch {
		case c.IsTyping && (!shown || c.LastSeen.After(ind.collaborator.LastSeen)):
			if ci.showLocked(c) {
				changed = true
			}
		case shown:
			ind.collaborator.Cursor = c.Cursor
		}
	}
	for userID, ind := range ci.visible {
		if _, ok := present[userID]; !ok {
			ind.timer.Stop()
			delete(ci.visible, userID)
			changed = true
		}
	}
	ci.mu.Unlock()

	if changed {
		ci.changed()
	}
}

// Visible returns the collaborators whose marker is currently shown, by username.
func (ci *CursorIndicator) Visible() []presence.Collaborator {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	out := make([]presence.Collaborator, 0, len(ci.visible))
	for _, ind := range ci.visible {
		out = append(out, ind.collaborator)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Render writes one line per visible marker. Nothing is written when no one is typing.
func (ci *CursorIndicator) Render(w io.Writer) error {
	for _, c := range ci.Visible() {
		if _, err := fmt.Fprintf(w, "%s %s is typing at (%.0f, %.0f)\n", swatch(c.Color), c.Username, c.Cursor.X, c.Cursor.Y); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels every pending hide.
func (ci *CursorIndicator) Stop() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	for userID, ind := range ci.visible {
		ind.timer.Stop()
		delete(ci.visible, userID)
	}
}

// showLocked reports whether c became visible. Refreshing an existing marker
// replaces its hide timer.
func (ci *CursorIndicator) showLocked(c presence.Collaborator) bool {
	ci.seq++
	seq := ci.seq
	userID := c.UserID

	ind, existed := ci.visible[userID]
	if existed {
		ind.timer.Stop()
	} else {
		ind = &indicator{}
		ci.visible[userID] = ind
	}
	ind.collaborator = c
	ind.seq = seq
	ind.timer = time.AfterFunc(ci.grace, func() { ci.expire(userID, seq) })
	return !existed
}

// expire hides the marker unless it was refreshed after this timer was armed.
func (ci *CursorIndicator) expire(userID string, seq uint64) {
	ci.mu.Lock()
	ind, ok := ci.visible[userID]
	if !ok || ind.seq != seq {
		ci.mu.Unlock()
		return
	}
	delete(ci.visible, userID)
	ci.mu.Unlock()
	ci.changed()
}

func (ci *CursorIndicator) changed() {
	if ci.onChange != nil {
		ci.onChange()
	}
}

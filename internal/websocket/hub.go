package websocket

import (
	"sort"
	"sync"
	"time"

	"mneumonicore/internal/models"
	"mneumonicore/pkg/logger"
)

// RoomKey identifies a room. Rooms are scoped to one (document, workspace) pair.
type RoomKey struct {
	DocumentID  string
	WorkspaceID string
}

type member struct {
	peer     Peer
	userID   string
	username string
	joinedAt time.Time
}

type joinRequest struct {
	member *member
	done   chan struct{}
}

type leaveRequest struct {
	connID    string
	remaining chan int
}

type outbound struct {
	payload []byte
	exclude string
}

// Hub serializes every membership change and fan-out of a single room.
// All state is owned by the Run goroutine. The channels are unbuffered so that
// operations are applied in the order callers hand them over.
type Hub struct {
	key     RoomKey
	members map[string]*member

	register   chan joinRequest
	unregister chan leaveRequest
	broadcast  chan outbound
	snapshot   chan chan models.RoomPresence
	shutdown   chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

func NewHub(key RoomKey) *Hub {
	return &Hub{
		key:        key,
		members:    make(map[string]*member),
		register:   make(chan joinRequest),
		unregister: make(chan leaveRequest),
		broadcast:  make(chan outbound),
		snapshot:   make(chan chan models.RoomPresence),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.shutdown:
			return

		case req := <-h.register:
			h.handleJoin(req.member)
			close(req.done)

		case req := <-h.unregister:
			h.handleLeave(req.connID)
			req.remaining <- len(h.members)

		case msg := <-h.broadcast:
			h.fanOut(msg.payload, msg.exclude)

		case reply := <-h.snapshot:
			reply <- h.presence()
		}
	}
}

// handleJoin replies to the joiner with the roster, then announces it to the others.
func (h *Hub) handleJoin(m *member) {
	connID := m.peer.ID()
	h.members[connID] = m

	roster := h.roster(m.userID)
	if frame, err := models.NewFrame(models.EventCurrentUsers, roster); err == nil {
		_ = m.peer.Send(frame)
	} else {
		logger.Error("Error marshaling roster for room %s: %v", h.key.DocumentID, err)
	}

	notice := models.MemberEvent{UserID: m.userID, SocketID: connID, Username: m.username}
	if frame, err := models.NewFrame(models.EventUserJoined, notice); err == nil {
		h.fanOut(frame, connID)
	}

	logger.Info("User %s joined room %s/%s (%d connections)", m.username, h.key.WorkspaceID, h.key.DocumentID, len(h.members))
}

func (h *Hub) handleLeave(connID string) {
	m, ok := h.members[connID]
	if !ok {
		return
	}
	delete(h.members, connID)

	// Another tab of the same user keeps them present.
	for _, other := range h.members {
		if other.userID == m.userID {
			logger.Debug("Connection %s left room %s, user %s still present", connID, h.key.DocumentID, m.userID)
			return
		}
	}

	notice := models.MemberEvent{UserID: m.userID, SocketID: connID, Username: m.username}
	if frame, err := models.NewFrame(models.EventUserLeft, notice); err == nil {
		h.fanOut(frame, connID)
	}

	logger.Info("User %s left room %s/%s (%d connections)", m.username, h.key.WorkspaceID, h.key.DocumentID, len(h.members))
}

func (h *Hub) fanOut(payload []byte, exclude string) {
	for id, m := range h.members {
		if id == exclude {
			continue
		}
		if err := m.peer.Send(payload); err != nil {
			logger.Debug("Dropped frame for %s in room %s: %v", id, h.key.DocumentID, err)
		}
	}
}

// roster lists the room's users, one entry per userID, leaving out exceptUserID.
func (h *Hub) roster(exceptUserID string) []models.RosterEntry {
	seen := make(map[string]bool, len(h.members))
	roster := make([]models.RosterEntry, 0, len(h.members))
	for _, m := range h.sortedMembers() {
		if m.userID == exceptUserID || seen[m.userID] {
			continue
		}
		seen[m.userID] = true
		roster = append(roster, models.RosterEntry{UserID: m.userID, Username: m.username})
	}
	return roster
}

func (h *Hub) sortedMembers() []*member {
	list := make([]*member, 0, len(h.members))
	for _, m := range h.members {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].joinedAt.Before(list[j].joinedAt)
	})
	return list
}

func (h *Hub) presence() models.RoomPresence {
	return models.RoomPresence{
		DocumentID:  h.key.DocumentID,
		WorkspaceID: h.key.WorkspaceID,
		Users:       h.roster(""),
		Connections: len(h.members),
	}
}

// The methods below are the hub's client API. Each returns false when the hub
// has already stopped.

func (h *Hub) join(m *member) bool {
	req := joinRequest{member: m, done: make(chan struct{})}
	select {
	case h.register <- req:
	case <-h.done:
		return false
	}
	<-req.done
	return true
}

// leave returns the number of memberships left in the room.
func (h *Hub) leave(connID string) (int, bool) {
	req := leaveRequest{connID: connID, remaining: make(chan int, 1)}
	select {
	case h.unregister <- req:
	case <-h.done:
		return 0, false
	}
	return <-req.remaining, true
}

func (h *Hub) send(payload []byte, exclude string) bool {
	select {
	case h.broadcast <- outbound{payload: payload, exclude: exclude}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Presence() (models.RoomPresence, bool) {
	reply := make(chan models.RoomPresence, 1)
	select {
	case h.snapshot <- reply:
	case <-h.done:
		return models.RoomPresence{}, false
	}
	return <-reply, true
}

// ShutdownHub stops the Run loop. Pending broadcasts are discarded.
func (h *Hub) ShutdownHub() {
	h.stopOnce.Do(func() { close(h.shutdown) })
	<-h.done
}

package websocket

import (
	"errors"
	"sort"
	"sync"
	"time"

	"mneumonicore/internal/models"
	"mneumonicore/pkg/logger"
)

// ErrNotJoined is returned when a connection relays into a document it has not joined.
var ErrNotJoined = errors.New("connection has not joined this document")

type membership struct {
	key      RoomKey
	userID   string
	username string
}

// Membership describes one (connection, document) registration.
type Membership struct {
	Key      RoomKey
	ConnID   string
	UserID   string
	Username string
}

// room pairs a hub with the number of memberships registered in it. The count
// is kept under Coordinator.mu so teardown decisions never wait on the hub.
type room struct {
	hub     *Hub
	members int
}

// detached is a membership already removed from the index whose hub still has
// to be told.
type detached struct {
	membership Membership
	room       *room
	teardown   bool
}

// Coordinator owns every room of this process. Membership is tracked per
// (connection, document): one connection can sit in many rooms, but only in one
// room per document. The index is updated under mu; hub calls happen after mu
// is released, so a stalled room never blocks the others.
type Coordinator struct {
	mu          sync.Mutex
	rooms       map[RoomKey]*room
	memberships map[string]map[string]membership // connID -> documentID -> membership
	now         func() time.Time
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		rooms:       make(map[RoomKey]*room),
		memberships: make(map[string]map[string]membership),
		now:         time.Now,
	}
}

// Join registers peer in the room of (documentID, workspaceID). The joiner gets
// current-users; every other member gets user-joined. Joining the same document
// again from the same connection replaces the previous membership, moving it
// to the new workspace's room if that changed.
func (c *Coordinator) Join(peer Peer, req models.JoinRoomRequest) Membership {
	key := RoomKey{DocumentID: req.DocumentID, WorkspaceID: req.WorkspaceID}

	c.mu.Lock()
	var moved *detached
	prev, exists := c.memberships[peer.ID()][req.DocumentID]
	if exists && prev.key != key {
		d, _ := c.detachLocked(peer.ID(), req.DocumentID)
		moved = &d
		exists = false
	}

	r := c.roomLocked(key)
	if !exists {
		r.members++
	}
	rooms := c.memberships[peer.ID()]
	if rooms == nil {
		rooms = make(map[string]membership)
		c.memberships[peer.ID()] = rooms
	}
	rooms[req.DocumentID] = membership{key: key, userID: req.UserID, username: req.Username}
	c.mu.Unlock()

	if moved != nil {
		c.finishLeave(*moved)
	}
	r.hub.join(&member{
		peer:     peer,
		userID:   req.UserID,
		username: req.Username,
		joinedAt: c.now(),
	})

	return Membership{Key: key, ConnID: peer.ID(), UserID: req.UserID, Username: req.Username}
}

// Leave removes the connection from the room it joined for documentID.
func (c *Coordinator) Leave(connID, documentID string) (Membership, bool) {
	c.mu.Lock()
	d, ok := c.detachLocked(connID, documentID)
	c.mu.Unlock()
	if !ok {
		return Membership{}, false
	}
	c.finishLeave(d)
	return d.membership, true
}

// LeaveAll runs the disconnect path: every room the connection is in gets user-left.
func (c *Coordinator) LeaveAll(connID string) []Membership {
	c.mu.Lock()
	docs := make([]string, 0, len(c.memberships[connID]))
	for documentID := range c.memberships[connID] {
		docs = append(docs, documentID)
	}
	sort.Strings(docs)

	pending := make([]detached, 0, len(docs))
	for _, documentID := range docs {
		if d, ok := c.detachLocked(connID, documentID); ok {
			pending = append(pending, d)
		}
	}
	c.mu.Unlock()

	left := make([]Membership, 0, len(pending))
	for _, d := range pending {
		c.finishLeave(d)
		left = append(left, d.membership)
	}
	return left
}

// CursorMove fans a cursor update out to the other members of the sender's room.
func (c *Coordinator) CursorMove(connID string, req models.CursorMoveRequest) error {
	hub, m, err := c.lookup(connID, req.DocumentID)
	if err != nil {
		return err
	}

	frame, err := models.NewFrame(models.EventCursorMove, models.CursorMoveEvent{
		UserID:   m.userID,
		Username: m.username,
		Cursor:   req.Cursor,
		IsTyping: req.IsTyping,
	})
	if err != nil {
		return err
	}
	hub.send(frame, connID)
	return nil
}

// Relay fans a collab-update out to the other members of the sender's room.
// The data payload is never inspected.
func (c *Coordinator) Relay(connID string, req models.CollabUpdateRequest) error {
	hub, m, err := c.lookup(connID, req.DocumentID)
	if err != nil {
		return err
	}

	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = models.Millis(c.now())
	}
	frame, err := models.NewFrame(models.EventCollabUpdate, models.CollabUpdate{
		Type:      req.Type,
		PageID:    req.DocumentID,
		UserID:    m.userID,
		Data:      req.Data,
		Timestamp: timestamp,
	})
	if err != nil {
		return err
	}
	hub.send(frame, connID)
	return nil
}

// Presence returns the roster of a live room.
func (c *Coordinator) Presence(documentID, workspaceID string) (models.RoomPresence, bool) {
	c.mu.Lock()
	r, ok := c.rooms[RoomKey{DocumentID: documentID, WorkspaceID: workspaceID}]
	c.mu.Unlock()
	if !ok {
		return models.RoomPresence{}, false
	}
	return r.hub.Presence()
}

func (c *Coordinator) RoomCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// Close stops every hub without emitting user-left.
func (c *Coordinator) Close() {
	c.mu.Lock()
	hubs := make([]*Hub, 0, len(c.rooms))
	for key, r := range c.rooms {
		hubs = append(hubs, r.hub)
		delete(c.rooms, key)
	}
	c.memberships = make(map[string]map[string]membership)
	c.mu.Unlock()

	for _, hub := range hubs {
		hub.ShutdownHub()
	}
}

func (c *Coordinator) lookup(connID, documentID string) (*Hub, membership, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.memberships[connID][documentID]
	if !ok {
		return nil, membership{}, ErrNotJoined
	}
	r, ok := c.rooms[m.key]
	if !ok {
		return nil, membership{}, ErrNotJoined
	}
	return r.hub, m, nil
}

func (c *Coordinator) roomLocked(key RoomKey) *room {
	r, exists := c.rooms[key]
	if !exists {
		r = &room{hub: NewHub(key)}
		c.rooms[key] = r
		go r.hub.Run()
		logger.Debug("Created room %s/%s", key.WorkspaceID, key.DocumentID)
	}
	return r
}

// detachLocked removes a membership from the index. The room is unregistered
// when its count reaches zero, so later joins create a fresh one.
func (c *Coordinator) detachLocked(connID, documentID string) (detached, bool) {
	rooms := c.memberships[connID]
	m, ok := rooms[documentID]
	if !ok {
		return detached{}, false
	}
	delete(rooms, documentID)
	if len(rooms) == 0 {
		delete(c.memberships, connID)
	}

	d := detached{membership: Membership{Key: m.key, ConnID: connID, UserID: m.userID, Username: m.username}}
	if r, ok := c.rooms[m.key]; ok {
		r.members--
		d.room = r
		if r.members <= 0 {
			delete(c.rooms, m.key)
			d.teardown = true
		}
	}
	return d, true
}

func (c *Coordinator) finishLeave(d detached) {
	if d.room == nil {
		return
	}
	d.room.hub.leave(d.membership.ConnID)
	if d.teardown {
		d.room.hub.ShutdownHub()
		logger.Debug("Tore down room %s/%s", d.membership.Key.WorkspaceID, d.membership.Key.DocumentID)
	}
}

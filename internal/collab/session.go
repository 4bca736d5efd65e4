// Package collab is the client side of the collaboration relay. A Session is
// one client's live connection to a single document's room.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"mneumonicore/internal/models"
	"mneumonicore/internal/presence"
	"mneumonicore/pkg/logger"
)

var (
	ErrAlreadyConnected  = errors.New("collab: session already connected")
	ErrNotConnected      = errors.New("collab: session not connected")
	ErrConnectAborted    = errors.New("collab: connect aborted by disconnect")
	ErrInvalidUpdateType = errors.New("collab: update type must be content or selection")
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Palette is the fixed set of collaborator colors. Picks are not coordinated,
// so two clients can end up with the same color.
var Palette = []string{
	"#FF6B6B", // coral
	"#4ECDC4", // turquoise
	"#45B7D1", // sky
	"#96CEB4", // sage
	"#FFEAA7", // butter
	"#DDA0DD", // plum
	"#98D8C8", // mint
	"#F7DC6F", // mustard
	"#BB8FCE", // lavender
	"#85C1E9", // cornflower
}

const DefaultTypingTimeout = 2 * time.Second

type Options struct {
	// TypingTimeout is the delay before a typing cursor update is followed by
	// the same cursor with isTyping=false.
	TypingTimeout time.Duration
	Palette       []string
	// UpdateBuffer sizes the Updates channel. Content updates that find it
	// full are dropped.
	UpdateBuffer int
	Now          func() time.Time
}

// JoinError is the server's refusal of a join, e.g. a stale workspace.
type JoinError struct {
	DocumentID  string
	WorkspaceID string
	Code        string
	Message     string
}

func (e *JoinError) Error() string {
	return "collab: join " + e.DocumentID + " rejected (" + e.Code + "): " + e.Message
}

type Session struct {
	transport Transport
	opts      Options
	color     string
	store     *presence.Store
	updates   chan models.CollabUpdate

	mu          sync.Mutex
	status      Status
	conn        Conn
	gen         uint64
	stop        chan struct{}
	documentID  string
	workspaceID string
	userID      string
	username    string
	lastErr     error
	statusFn    func(Status)
	presenceFn  func()
}

func New(transport Transport, opts Options) *Session {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if len(opts.Palette) == 0 {
		opts.Palette = Palette
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		transport: transport,
		opts:      opts,
		store:     presence.NewStore(""),
		updates:   make(chan models.CollabUpdate, opts.UpdateBuffer),
		status:    StatusDisconnected,
	}
	s.color = s.pickColor()
	return s
}

// Connect dials the relay, starts the inbound listeners and then asks to join
// the room of (documentID, workspaceID). Failures are also reported through
// the status callback; retrying is up to the caller.
func (s *Session) Connect(ctx context.Context, documentID, workspaceID, userID, username string) error {
	s.mu.Lock()
	if s.status == StatusConnected || s.status == StatusConnecting {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.status = StatusConnecting
	s.documentID, s.workspaceID = documentID, workspaceID
	s.userID, s.username = userID, username
	s.lastErr = nil
	s.store.Clear()
	s.store.SetSelf(userID)
	s.mu.Unlock()
	s.notify(StatusConnecting)

	conn, err := s.transport.Dial(ctx, HandshakeParams{UserID: userID, WorkspaceID: workspaceID, DocumentID: documentID})
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		s.mu.Lock()
		aborted := s.status != StatusConnecting
		if !aborted {
			s.status = StatusError
			s.lastErr = terr
		}
		s.mu.Unlock()
		if aborted {
			return ErrConnectAborted
		}
		logger.Error("Collaboration connect to %s failed: %v", documentID, err)
		s.notify(StatusError)
		return terr
	}

	s.mu.Lock()
	if s.status != StatusConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrConnectAborted
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.stop = make(chan struct{})
	inbound := make(chan models.Frame, 64)
	go s.readLoop(conn, gen, inbound, s.stop)
	go s.dispatchLoop(gen, inbound, s.stop)
	s.status = StatusConnected
	s.mu.Unlock()
	s.notify(StatusConnected)

	frame, err := models.NewFrame(models.EventJoinRoom, models.JoinRoomRequest{
		DocumentID:  documentID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Username:    username,
	})
	if err != nil {
		return err
	}
	if err := s.write(gen, frame); err != nil {
		s.teardown(gen, StatusError, err)
		return err
	}
	return nil
}

// UpdateCursor broadcasts the local cursor. A typing update schedules a second
// emission with isTyping=false after TypingTimeout; earlier schedules are left
// running.
func (s *Session) UpdateCursor(cursor models.Cursor, isTyping bool) error {
	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	gen, documentID := s.gen, s.documentID
	s.mu.Unlock()

	if err := s.emitCursor(gen, documentID, cursor, isTyping); err != nil {
		return err
	}
	if isTyping {
		time.AfterFunc(s.opts.TypingTimeout, func() {
			if err := s.emitCursor(gen, documentID, cursor, false); err != nil && !errors.Is(err, ErrNotConnected) {
				logger.Debug("Typing expiry for %s not sent: %v", documentID, err)
			}
		})
	}
	return nil
}

// SendUpdate broadcasts a content or selection change. Nothing is acknowledged.
func (s *Session) SendUpdate(kind models.UpdateType, data interface{}) error {
	if kind != models.UpdateContent && kind != models.UpdateSelection {
		return ErrInvalidUpdateType
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	gen, documentID := s.gen, s.documentID
	s.mu.Unlock()

	frame, err := models.NewFrame(models.EventCollabUpdate, models.CollabUpdateRequest{
		Type:       kind,
		DocumentID: documentID,
		Data:       raw,
		Timestamp:  models.Millis(s.opts.Now()),
	})
	if err != nil {
		return err
	}
	return s.write(gen, frame)
}

// ActiveUsers returns every known collaborator. The local user is never included.
func (s *Session) ActiveUsers() []presence.Collaborator {
	return s.store.Snapshot()
}

func (s *Session) UserColor() string { return s.color }

// Self describes the local user in the same shape as a collaborator.
func (s *Session) Self() presence.Collaborator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return presence.Collaborator{UserID: s.userID, Username: s.username, Color: s.color}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError is the error behind the most recent StatusError, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SetStatusCallback registers the single status observer, replacing any previous one.
func (s *Session) SetStatusCallback(fn func(Status)) {
	s.mu.Lock()
	s.statusFn = fn
	s.mu.Unlock()
}

// SetPresenceCallback registers a function run after every presence change.
func (s *Session) SetPresenceCallback(fn func()) {
	s.mu.Lock()
	s.presenceFn = fn
	s.mu.Unlock()
}

// Updates carries remote content updates to the editor. It is never closed.
func (s *Session) Updates() <-chan models.CollabUpdate {
	return s.updates
}

// Disconnect releases the transport, clears presence and reports disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	switch s.status {
	case StatusDisconnected:
		s.mu.Unlock()
		return
	case StatusConnecting, StatusError:
		s.status = StatusDisconnected
		s.mu.Unlock()
		s.notify(StatusDisconnected)
		return
	}
	gen := s.gen
	s.mu.Unlock()
	s.teardown(gen, StatusDisconnected, nil)
}

func (s *Session) teardown(gen uint64, next Status, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.status != StatusConnected {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	conn := s.conn
	s.conn = nil
	s.gen++
	s.status = next
	s.lastErr = cause
	s.documentID, s.workspaceID = "", ""
	s.userID, s.username = "", ""
	s.store.Clear()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.notify(next)
	s.notifyPresence()
}

func (s *Session) emitCursor(gen uint64, documentID string, cursor models.Cursor, isTyping bool) error {
	frame, err := models.NewFrame(models.EventCursorMove, models.CursorMoveRequest{
		DocumentID: documentID,
		Cursor:     cursor,
		IsTyping:   isTyping,
	})
	if err != nil {
		return err
	}
	return s.write(gen, frame)
}

func (s *Session) write(gen uint64, frame []byte) error {
	s.mu.Lock()
	if s.gen != gen || s.status != StatusConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.WriteMessage(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (s *Session) readLoop(conn Conn, gen uint64, inbound chan<- models.Frame, stop <-chan struct{}) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			live := s.gen == gen && s.status == StatusConnected
			s.mu.Unlock()
			if live {
				logger.Warn("Collaboration transport closed: %v", err)
				s.teardown(gen, StatusDisconnected, &TransportError{Op: "read", Err: err})
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debug("Ignoring malformed frame: %v", err)
			continue
		}
		select {
		case inbound <- frame:
		case <-stop:
			return
		}
	}
}

func (s *Session) dispatchLoop(gen uint64, inbound <-chan models.Frame, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case frame := <-inbound:
			s.handle(gen, frame)
		}
	}
}

// handle applies one inbound event. The session lock is held while the store
// changes so that a concurrent teardown cannot interleave with it.
func (s *Session) handle(gen uint64, frame models.Frame) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}

	var (
		changed bool
		update  *models.CollabUpdate
		joinErr *JoinError
	)
	now := s.opts.Now()

	switch frame.Event {
	case models.EventCurrentUsers:
		var roster []models.RosterEntry
		if err := json.Unmarshal(frame.Data, &roster); err != nil {
			logger.Debug("Bad current-users payload: %v", err)
			break
		}
		for _, u := range roster {
			if s.store.Upsert(presence.Collaborator{UserID: u.UserID, Username: u.Username, Color: s.pickColor(), LastSeen: now}) {
				changed = true
			}
		}

	case models.EventUserJoined:
		var ev models.MemberEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Debug("Bad user-joined payload: %v", err)
			break
		}
		changed = s.store.Upsert(presence.Collaborator{UserID: ev.UserID, Username: ev.Username, Color: s.pickColor(), LastSeen: now})

	case models.EventUserLeft:
		var ev models.MemberEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Debug("Bad user-left payload: %v", err)
			break
		}
		changed = s.store.Remove(ev.UserID)

	case models.EventCursorMove:
		var ev models.CursorMoveEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Debug("Bad cursor-move payload: %v", err)
			break
		}
		changed = s.store.UpdateCursor(ev.UserID, ev.Cursor, ev.IsTyping, now)
		if !changed && ev.UserID != s.userID {
			logger.Debug("Dropped cursor-move for unknown collaborator %s", ev.UserID)
		}

	case models.EventCollabUpdate:
		var ev models.CollabUpdate
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Debug("Bad collab-update payload: %v", err)
			break
		}
		if ev.Type == models.UpdateContent {
			update = &ev
		}

	case models.EventJoinError:
		var ev models.JoinErrorEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Debug("Bad join-error payload: %v", err)
			break
		}
		joinErr = &JoinError{DocumentID: ev.DocumentID, WorkspaceID: ev.WorkspaceID, Code: ev.Code, Message: ev.Message}

	case models.EventError:
		var ev models.ErrorEvent
		_ = json.Unmarshal(frame.Data, &ev)
		logger.Warn("Relay error %s: %s", ev.Code, ev.Message)

	default:
		logger.Debug("Ignoring event %s", frame.Event)
	}
	s.mu.Unlock()

	if changed {
		s.notifyPresence()
	}
	if update != nil {
		select {
		case s.updates <- *update:
		default:
			logger.Warn("Dropped content update from %s: updates channel full", update.UserID)
		}
	}
	if joinErr != nil {
		logger.Warn("%v", joinErr)
		s.teardown(gen, StatusError, joinErr)
	}
}

func (s *Session) notify(status Status) {
	s.mu.Lock()
	fn := s.statusFn
	s.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

func (s *Session) notifyPresence() {
	s.mu.Lock()
	fn := s.presenceFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) pickColor() string {
	return s.opts.Palette[rand.Intn(len(s.opts.Palette))]
}

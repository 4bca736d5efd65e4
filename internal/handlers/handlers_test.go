package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mneumonicore/internal/collab"
	"mneumonicore/internal/config"
	"mneumonicore/internal/database"
	"mneumonicore/internal/models"
	"mneumonicore/internal/services"
	ws "mneumonicore/internal/websocket"

	"github.com/gorilla/websocket"
)

// tokenIdentity treats the token as the user ID.
type tokenIdentity map[string]string

func (ti tokenIdentity) Identify(ctx context.Context, token string) (*models.Identity, error) {
	name, ok := ti[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return &models.Identity{UserID: token, Username: name}, nil
}

type docRepo map[string]string // documentID -> workspaceID

func (r docRepo) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	owner, ok := r[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &models.Document{ID: id, WorkspaceID: owner}, nil
}

type testServer struct {
	*httptest.Server
	coordinator *ws.Coordinator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithConfig(t, config.DefaultWebSocket())
}

func newTestServerWithConfig(t *testing.T, cfg config.WebSocketConfig) *testServer {
	t.Helper()
	identity := tokenIdentity{"alice": "Alice", "bob": "Bob", "carol": "Carol", "mallory": "Mallory"}
	docs := services.NewDocumentService(docRepo{"doc1": "ws1"}, nil, time.Minute)
	coordinator := ws.NewCoordinator()

	router := NewRouter(
		nil,
		NewWebSocketHandlers(identity, docs, coordinator, nil, cfg),
		NewPresenceHandlers(identity, docs, coordinator),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		coordinator.Close()
	})
	return &testServer{Server: srv, coordinator: coordinator}
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *testServer) connect(t *testing.T, user, document, workspace string, opts collab.Options) *collab.Session {
	t.Helper()
	sess := collab.New(collab.NewWebSocketTransport(s.wsURL(), user), opts)
	name := strings.ToUpper(user[:1]) + user[1:]
	if err := sess.Connect(context.Background(), document, workspace, user, name); err != nil {
		t.Fatalf("connect %s: %v", user, err)
	}
	t.Cleanup(sess.Disconnect)
	return sess
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func userIDs(sess *collab.Session) []string {
	var ids []string
	for _, c := range sess.ActiveUsers() {
		ids = append(ids, c.UserID)
	}
	return ids
}

func TestJoinPresenceAndDisconnect(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	a := srv.connect(t, "alice", "doc1", "ws1", collab.Options{})
	b := srv.connect(t, "bob", "doc1", "ws1", collab.Options{})

	eventually(t, "alice to see bob", func() bool {
		ids := userIDs(a)
		return len(ids) == 1 && ids[0] == "bob"
	})
	eventually(t, "bob to see alice", func() bool {
		ids := userIDs(b)
		return len(ids) == 1 && ids[0] == "alice"
	})

	b.Disconnect()
	eventually(t, "alice to see bob leave", func() bool { return len(a.ActiveUsers()) == 0 })
	if b.Status() != collab.StatusDisconnected {
		t.Errorf("expected bob disconnected, got %s", b.Status())
	}
}

func TestContentUpdateFanOutExcludesSender(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	a := srv.connect(t, "alice", "doc1", "ws1", collab.Options{})
	b := srv.connect(t, "bob", "doc1", "ws1", collab.Options{})
	c := srv.connect(t, "carol", "doc1", "ws1", collab.Options{})
	eventually(t, "full room", func() bool { return len(a.ActiveUsers()) == 2 && len(c.ActiveUsers()) == 2 })

	if err := a.SendUpdate(models.UpdateContent, map[string]string{"op": "insert", "text": "hello"}); err != nil {
		t.Fatalf("SendUpdate: %v", err)
	}

	for name, sess := range map[string]*collab.Session{"bob": b, "carol": c} {
		select {
		case up := <-sess.Updates():
			var data map[string]string
			_ = json.Unmarshal(up.Data, &data)
			if up.UserID != "alice" || up.PageID != "doc1" || data["text"] != "hello" {
				t.Errorf("%s got unexpected update %+v", name, up)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s never received the update", name)
		}
	}

	select {
	case up := <-a.Updates():
		t.Errorf("sender received its own update %+v", up)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTypingRoundTrip(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	a := srv.connect(t, "alice", "doc1", "ws1", collab.Options{TypingTimeout: 50 * time.Millisecond})
	b := srv.connect(t, "bob", "doc1", "ws1", collab.Options{})
	eventually(t, "both joined", func() bool { return len(a.ActiveUsers()) == 1 && len(b.ActiveUsers()) == 1 })

	if err := a.UpdateCursor(models.Cursor{X: 12, Y: 3}, true); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}
	eventually(t, "bob to see alice typing", func() bool {
		users := b.ActiveUsers()
		return len(users) == 1 && users[0].IsTyping && users[0].Cursor.X == 12
	})
	eventually(t, "typing to clear", func() bool {
		users := b.ActiveUsers()
		return len(users) == 1 && !users[0].IsTyping && users[0].Cursor.X == 12
	})
}

func TestStaleJoinIsRejected(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	sess := srv.connect(t, "alice", "doc1", "ws2", collab.Options{})
	eventually(t, "error status", func() bool { return sess.Status() == collab.StatusError })

	var jerr *collab.JoinError
	if !errors.As(sess.LastError(), &jerr) || jerr.Code != "stale_join" {
		t.Errorf("expected stale_join, got %v", sess.LastError())
	}
	if _, ok := srv.coordinator.Presence("doc1", "ws2"); ok {
		t.Error("rejected join must not create a room")
	}
}

func TestUnknownDocumentGetsEmptyRoom(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	srv.connect(t, "alice", "brand-new", "ws9", collab.Options{})
	eventually(t, "room to exist", func() bool {
		_, ok := srv.coordinator.Presence("brand-new", "ws9")
		return ok
	})
}

func TestHandshakeUserMismatch(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	tr := collab.NewWebSocketTransport(srv.wsURL(), "alice")
	_, err := tr.Dial(context.Background(), collab.HandshakeParams{UserID: "bob", WorkspaceID: "ws1", DocumentID: "doc1"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401 handshake failure, got %v", err)
	}

	tr = collab.NewWebSocketTransport(srv.wsURL(), "nobody")
	if _, err := tr.Dial(context.Background(), collab.HandshakeParams{UserID: "nobody"}); err == nil {
		t.Error("expected unknown token to be refused")
	}
}

func TestPresenceEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	srv.connect(t, "alice", "doc1", "ws1", collab.Options{})

	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		return resp
	}

	eventually(t, "alice in presence", func() bool {
		resp := get("/documents/doc1/presence?workspaceId=ws1&token=bob")
		defer resp.Body.Close()
		var p models.RoomPresence
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return false
		}
		return resp.StatusCode == http.StatusOK && len(p.Users) == 1 && p.Users[0].UserID == "alice"
	})

	cases := []struct {
		path string
		want int
	}{
		{"/documents/doc1/presence?workspaceId=ws1", http.StatusUnauthorized},
		{"/documents/doc1/presence?token=bob", http.StatusBadRequest},
		{"/documents/doc1/presence?workspaceId=ws2&token=bob", http.StatusForbidden},
		{"/healthz", http.StatusOK},
	}
	for _, tc := range cases {
		resp := get(tc.path)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("GET %s: expected %d, got %d", tc.path, tc.want, resp.StatusCode)
		}
	}
}

// rawJoin joins a room over a bare socket that is never read from, so it
// neither drains frames nor answers pings.
func (s *testServer) rawJoin(t *testing.T, user, document, workspace string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL()+"?token="+user+"&userId="+user, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { conn.Close() })

	frame, err := models.NewFrame(models.EventJoinRoom, models.JoinRoomRequest{DocumentID: document, WorkspaceID: workspace, UserID: user, Username: user})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("join %s: %v", user, err)
	}
	return conn
}

func hasUser(sess *collab.Session, userID string) bool {
	for _, id := range userIDs(sess) {
		if id == userID {
			return true
		}
	}
	return false
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultWebSocket()
	cfg.SendBuffer = 1
	cfg.WriteWait = 200 * time.Millisecond
	srv := newTestServerWithConfig(t, cfg)

	a := srv.connect(t, "alice", "doc1", "ws1", collab.Options{})
	srv.rawJoin(t, "mallory", "doc1", "ws1")
	eventually(t, "alice to see mallory", func() bool { return hasUser(a, "mallory") })

	// Large updates fill the socket buffers of the reader that never reads.
	chunk := strings.Repeat("x", 64<<10)
	for i := 0; i < 400 && hasUser(a, "mallory"); i++ {
		if err := a.SendUpdate(models.UpdateContent, map[string]string{"op": "insert", "text": chunk}); err != nil {
			t.Fatalf("SendUpdate: %v", err)
		}
	}
	eventually(t, "mallory to be dropped", func() bool { return !hasUser(a, "mallory") })

	if a.Status() != collab.StatusConnected {
		t.Errorf("surviving member should stay connected, got %s", a.Status())
	}
}

func TestMissingPongsDisconnect(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultWebSocket()
	cfg.PongWait = 500 * time.Millisecond
	cfg.PingPeriod = 100 * time.Millisecond
	srv := newTestServerWithConfig(t, cfg)

	a := srv.connect(t, "alice", "doc1", "ws1", collab.Options{})
	srv.rawJoin(t, "mallory", "doc1", "ws1")
	eventually(t, "alice to see mallory", func() bool { return hasUser(a, "mallory") })

	eventually(t, "mallory to time out", func() bool { return !hasUser(a, "mallory") })

	// Alice answers pings from her read loop and outlives several pong windows.
	time.Sleep(cfg.PongWait * 2)
	if a.Status() != collab.StatusConnected {
		t.Errorf("member answering pings should stay connected, got %s", a.Status())
	}
	if p, ok := srv.coordinator.Presence("doc1", "ws1"); !ok || p.Connections != 1 {
		t.Errorf("expected only alice left in the room, got %+v", p)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mneumonicore/internal/collab"
	"mneumonicore/internal/config"
	"mneumonicore/internal/handlers"
	"mneumonicore/internal/models"
	"mneumonicore/internal/services"
	ws "mneumonicore/internal/websocket"

	"github.com/spf13/viper"
)

func TestLoadJoinOptionsFromEnv(t *testing.T) {
	t.Setenv("COLLAB_TOKEN", "tok")
	t.Setenv("COLLAB_WORKSPACE", "ws1")
	t.Setenv("COLLAB_DOCUMENT", "doc1")
	t.Setenv("COLLAB_USER", "alice")
	t.Setenv("COLLAB_RETRY_MAX_ELAPSED", "5s")

	v := viper.New()
	v.SetDefault("server", "ws://localhost:8080/ws")
	opts, err := loadJoinOptions(v)
	if err != nil {
		t.Fatalf("loadJoinOptions: %v", err)
	}
	if opts.Token != "tok" || opts.Workspace != "ws1" || opts.Document != "doc1" || opts.User != "alice" {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.Name != "alice" {
		t.Errorf("name should default to user, got %q", opts.Name)
	}
	if opts.RetryMaxElapsed != 5*time.Second {
		t.Errorf("expected 5s retry window, got %s", opts.RetryMaxElapsed)
	}
}

func TestLoadJoinOptionsReportsMissing(t *testing.T) {
	_, err := loadJoinOptions(viper.New())
	if err == nil {
		t.Fatal("expected error for empty options")
	}
	if !strings.Contains(err.Error(), "--document, --server, --token, --user, --workspace") {
		t.Errorf("unexpected error %v", err)
	}
}

type staticIdentity struct{}

func (staticIdentity) Identify(ctx context.Context, token string) (*models.Identity, error) {
	if token == "" {
		return nil, errors.New("no token")
	}
	return &models.Identity{UserID: token, Username: token}, nil
}

type noDocuments struct{}

func (noDocuments) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return &models.Document{ID: id, WorkspaceID: "ws1"}, nil
}

func TestRunJoinSendsStdinLines(t *testing.T) {
	docs := services.NewDocumentService(noDocuments{}, nil, time.Minute)
	coordinator := ws.NewCoordinator()
	defer coordinator.Close()
	srv := httptest.NewServer(handlers.NewRouter(
		nil,
		handlers.NewWebSocketHandlers(staticIdentity{}, docs, coordinator, nil, config.DefaultWebSocket()),
		handlers.NewPresenceHandlers(staticIdentity{}, docs, coordinator),
	))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	peer := collab.New(collab.NewWebSocketTransport(url, "bob"), collab.Options{})
	if err := peer.Connect(context.Background(), "doc1", "ws1", "bob", "Bob"); err != nil {
		t.Fatalf("peer connect: %v", err)
	}
	defer peer.Disconnect()
	for deadline := time.Now().Add(3 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		if _, ok := coordinator.Presence("doc1", "ws1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("peer never joined")
		}
	}

	var out bytes.Buffer
	opts := joinOptions{Server: url, Token: "alice", Workspace: "ws1", Document: "doc1", User: "alice", Name: "Alice", RetryMaxElapsed: time.Second}
	if err := runJoin(context.Background(), opts, strings.NewReader("hello world\n"), &out); err != nil {
		t.Fatalf("runJoin: %v", err)
	}
	if !strings.Contains(out.String(), "Joined doc1 in ws1 as Alice") {
		t.Errorf("unexpected output %q", out.String())
	}

	select {
	case up := <-peer.Updates():
		var edit map[string]string
		_ = json.Unmarshal(up.Data, &edit)
		if up.UserID != "alice" || edit["op"] != "insert" || edit["text"] != "hello world" {
			t.Errorf("unexpected update %+v", up)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer never received the line")
	}
}

func TestRunJoinGivesUpAfterRetryWindow(t *testing.T) {
	opts := joinOptions{Server: "ws://127.0.0.1:1/ws", Token: "alice", Workspace: "ws1", Document: "doc1", User: "alice", RetryMaxElapsed: 200 * time.Millisecond}
	err := runJoin(context.Background(), opts, strings.NewReader(""), &bytes.Buffer{})

	var terr *collab.TransportError
	if !errors.As(err, &terr) {
		t.Errorf("expected TransportError after retries, got %v", err)
	}
}

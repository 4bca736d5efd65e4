package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"mneumonicore/internal/collab"
	"mneumonicore/internal/models"
	"mneumonicore/internal/view"
	"mneumonicore/pkg/logger"

	"github.com/cenkalti/backoff"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type joinOptions struct {
	Server          string
	Token           string
	Workspace       string
	Document        string
	User            string
	Name            string
	RetryMaxElapsed time.Duration
	LogLevel        string
}

func newJoinCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a document room and stream presence and edits",
		Long: `Join connects to the relay, prints the participants panel whenever presence
changes, and sends every stdin line as an insert. Flags may also be set through
COLLAB_* environment variables, e.g. COLLAB_TOKEN or COLLAB_RETRY_MAX_ELAPSED.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			opts, err := loadJoinOptions(v)
			if err != nil {
				return err
			}
			logger.SetLevel(opts.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.String("server", "ws://localhost:8080/ws", "relay websocket URL")
	f.String("token", "", "bearer token from /login")
	f.String("workspace", "", "workspace ID")
	f.String("document", "", "document ID")
	f.String("user", "", "your user ID")
	f.String("name", "", "display name (defaults to the user ID)")
	f.Duration("retry-max-elapsed", time.Minute, "give up connecting after this long (0 retries forever)")
	return cmd
}

// loadJoinOptions resolves flags and COLLAB_* environment variables.
func loadJoinOptions(v *viper.Viper) (joinOptions, error) {
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	opts := joinOptions{
		Server:          v.GetString("server"),
		Token:           v.GetString("token"),
		Workspace:       v.GetString("workspace"),
		Document:        v.GetString("document"),
		User:            v.GetString("user"),
		Name:            v.GetString("name"),
		RetryMaxElapsed: v.GetDuration("retry-max-elapsed"),
		LogLevel:        v.GetString("log-level"),
	}

	var missing []string
	for flag, value := range map[string]string{
		"server":    opts.Server,
		"token":     opts.Token,
		"workspace": opts.Workspace,
		"document":  opts.Document,
		"user":      opts.User,
	} {
		if value == "" {
			missing = append(missing, "--"+flag)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return opts, fmt.Errorf("missing required options: %s", strings.Join(missing, ", "))
	}
	if opts.Name == "" {
		opts.Name = opts.User
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "warn"
	}
	return opts, nil
}

// terminal serializes writes from the session callbacks and the main loop.
type terminal struct {
	mu        sync.Mutex
	out       io.Writer
	session   *collab.Session
	indicator *view.CursorIndicator
}

func (t *terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) redraw() {
	t.mu.Lock()
	defer t.mu.Unlock()
	panel := view.Participants{Self: t.session.Self(), Collaborators: t.session.ActiveUsers()}
	if err := panel.Render(t.out); err != nil {
		logger.Debug("Render participants: %v", err)
	}
	if err := t.indicator.Render(t.out); err != nil {
		logger.Debug("Render typing indicator: %v", err)
	}
}

func runJoin(ctx context.Context, opts joinOptions, in io.Reader, out io.Writer) error {
	session := collab.New(collab.NewWebSocketTransport(opts.Server, opts.Token), collab.Options{})
	term := &terminal{out: out, session: session}
	term.indicator = view.NewCursorIndicator(view.DefaultGrace, term.redraw)
	defer term.indicator.Stop()

	session.SetPresenceCallback(func() {
		term.indicator.Sync(session.ActiveUsers())
		term.redraw()
	})

	if err := connectWithRetry(ctx, session, opts); err != nil {
		return err
	}
	defer session.Disconnect()

	// Registered after connecting so failed attempts do not end the loop below.
	statuses := make(chan collab.Status, 8)
	session.SetStatusCallback(func(s collab.Status) {
		select {
		case statuses <- s:
		default:
		}
	})
	if session.Status() != collab.StatusConnected {
		return fmt.Errorf("collaboration stopped: %w", session.LastError())
	}
	term.printf("Joined %s in %s as %s %s\n", opts.Document, opts.Workspace, opts.Name, session.UserColor())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	lineNo := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			lineNo++
			if err := sendLine(session, lineNo, line); err != nil {
				return err
			}

		case up := <-session.Updates():
			var edit struct {
				Op   string `json:"op"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(up.Data, &edit); err != nil || edit.Op == "" {
				term.printf("[%s] %s\n", up.UserID, string(up.Data))
				continue
			}
			term.printf("[%s] %s %q\n", up.UserID, edit.Op, edit.Text)

		case status := <-statuses:
			switch status {
			case collab.StatusError:
				return fmt.Errorf("collaboration stopped: %w", session.LastError())
			case collab.StatusDisconnected:
				return errors.New("connection to relay lost")
			}
		}
	}
}

// connectWithRetry owns the reconnect policy the session leaves to its caller.
func connectWithRetry(ctx context.Context, session *collab.Session, opts joinOptions) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = opts.RetryMaxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := session.Connect(ctx, opts.Document, opts.Workspace, opts.User, opts.Name)
		if err == nil || errors.Is(err, collab.ErrAlreadyConnected) {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		logger.Warn("Connect attempt %d failed: %v", attempt, err)
		return err
	}, backoff.WithContext(b, ctx))
}

func sendLine(session *collab.Session, lineNo int, line string) error {
	cursor := models.Cursor{X: float64(len(line)), Y: float64(lineNo)}
	if err := session.UpdateCursor(cursor, true); err != nil {
		return err
	}
	return session.SendUpdate(models.UpdateContent, map[string]string{"op": "insert", "text": line})
}

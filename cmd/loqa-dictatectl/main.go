package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected one of: start, stop, status, watch, history, replay, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "loqa-dictation.yaml", "Path to configuration file")
	limit := fs.Int("limit", 20, "Maximum rows to print")
	sessionID := fs.String("session", "", "Session id to replay")

	if cmd == "version" {
		fmt.Println(version)
		return
	}
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "start":
		err = runSignal(ctx, cfg, protocol.SubjectControlStart)
	case "stop":
		err = runSignal(ctx, cfg, protocol.SubjectControlStop)
	case "status":
		err = runStatus(ctx, cfg, os.Stdout)
	case "watch":
		err = runWatch(ctx, cfg, os.Stdout)
	case "history":
		err = runHistory(ctx, cfg, *limit, os.Stdout)
	case "replay":
		err = runReplay(ctx, cfg, *sessionID, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// connect reaches the daemon's bus. An embedded bus is addressed at its
// configured host and port.
func connect(ctx context.Context, cfg config.Config) (*bus.Client, error) {
	busCfg := cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://%s:%d", busCfg.Host, busCfg.Port)}
	}
	return bus.Connect(ctx, busCfg, quietLogger())
}

func runSignal(ctx context.Context, cfg config.Config, subject string) error {
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.PublishJSON(subject, protocol.ControlSignal{Source: "loqa-dictatectl", Timestamp: time.Now().UTC()}); err != nil {
		return err
	}
	return client.Flush()
}

func runStatus(ctx context.Context, cfg config.Config, out io.Writer) error {
	url := fmt.Sprintf("http://%s:%d/status", cfg.HTTP.Bind, cfg.HTTP.Port)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: %s", url, resp.Status)
	}
	var report json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return err
	}
	return printJSON(out, report)
}

// runWatch prints status changes and text output until interrupted.
func runWatch(ctx context.Context, cfg config.Config, out io.Writer) error {
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	msgs := make(chan *nats.Msg, 64)
	for _, subject := range []string{protocol.SubjectStatus, protocol.SubjectTextPrimary, protocol.SubjectTextRefinement} {
		sub, err := client.Conn().ChanSubscribe(subject, msgs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			fmt.Fprintf(out, "%s %s\n", msg.Subject, msg.Data)
		}
	}
}

func openStore(ctx context.Context, cfg config.Config) (*eventstore.Store, error) {
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return nil, errors.New("event store is ephemeral; no history is kept")
	}
	return eventstore.Open(ctx, cfg.EventStore, quietLogger())
}

func runHistory(ctx context.Context, cfg config.Config, limit int, out io.Writer) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	sessions, err := store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		line := sess.Text
		if sess.Status == "error" {
			line = sess.Reason
		}
		fmt.Fprintf(out, "%s  %s  %-8s %-9s %s\n",
			sess.CreatedAt.Local().Format(time.DateTime), sess.ID, sess.Status, sess.Engine, line)
	}
	return nil
}

type replayEvent struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type replayOutput struct {
	Session eventstore.Session `json:"session"`
	Events  []replayEvent      `json:"events"`
}

func runReplay(ctx context.Context, cfg config.Config, sessionID string, out io.Writer) error {
	if sessionID == "" {
		return errors.New("replay requires -session")
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	events, err := store.ListSessionEvents(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	result := replayOutput{Session: sess}
	for _, e := range events {
		ev := replayEvent{Type: e.Type, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			ev.Payload = e.Payload
		}
		result.Events = append(result.Events, ev)
	}
	return printJSON(out, result)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

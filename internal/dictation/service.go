// Package dictation binds the race coordinator to the bus: control edges in,
// session status out.
package dictation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/race"
	"github.com/loqalabs/loqa-dictation/internal/session"
	"github.com/nats-io/nats.go"
)

// Coordinator is the part of race.Coordinator the service drives.
type Coordinator interface {
	Begin(ctx context.Context) error
	End(ctx context.Context) (race.Outcome, error)
	OnStatus(fn func(session.State))
}

type Service struct {
	bus   *bus.Client
	coord Coordinator
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	subs  []*nats.Subscription
	ready bool
}

func NewService(parent context.Context, busClient *bus.Client, coord Coordinator, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		coord:  coord,
		log:    log.With(slog.String("component", "dictation")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the control subjects and begins publishing status.
func (s *Service) Start() error {
	s.coord.OnStatus(s.publishStatus)

	start, err := s.bus.Subscribe(protocol.SubjectControlStart, s.handleStart)
	if err != nil {
		return err
	}
	stop, err := s.bus.Subscribe(protocol.SubjectControlStop, s.handleStop)
	if err != nil {
		_ = start.Unsubscribe()
		return err
	}

	s.mu.Lock()
	s.subs = []*nats.Subscription{start, stop}
	s.ready = true
	s.mu.Unlock()
	s.log.Info("listening for control signals",
		slog.String("start", protocol.SubjectControlStart),
		slog.String("stop", protocol.SubjectControlStop))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.ready = false
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) handleStart(msg *nats.Msg) {
	signal := decodeSignal(msg, s.log)
	err := s.coord.Begin(s.ctx)
	switch {
	case err == nil:
	case errors.Is(err, race.ErrNotIdle):
		s.log.Debug("ignoring start signal", slog.String("source", signal.Source), slogError(err))
	default:
		s.log.Warn("failed to begin dictation", slog.String("source", signal.Source), slogError(err))
	}
}

// handleStop resolves the session off the subscription goroutine so the bus
// keeps delivering while engines run.
func (s *Service) handleStop(msg *nats.Msg) {
	signal := decodeSignal(msg, s.log)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out, err := s.coord.End(s.ctx)
		switch {
		case err == nil:
			s.log.Debug("dictation resolved",
				slog.String("session_id", out.SessionID),
				slog.String("status", string(out.Status)))
		case errors.Is(err, race.ErrNotRecording):
			s.log.Debug("ignoring stop signal", slog.String("source", signal.Source), slogError(err))
		default:
			s.log.Warn("failed to end dictation", slog.String("source", signal.Source), slogError(err))
		}
	}()
}

func (s *Service) publishStatus(st session.State) {
	if err := s.bus.PublishJSON(protocol.SubjectStatus, StatusMessage(st, time.Now())); err != nil {
		s.log.Warn("failed to publish status", slogError(err))
	}
}

// StatusMessage renders a session snapshot as a bus payload.
func StatusMessage(st session.State, at time.Time) protocol.SessionStatus {
	return protocol.SessionStatus{
		SessionID: st.ID,
		Status:    string(st.Status),
		Reason:    st.Reason,
		Timestamp: at.UTC(),
	}
}

// decodeSignal tolerates empty payloads; a bare publish is a valid edge.
func decodeSignal(msg *nats.Msg, log *slog.Logger) protocol.ControlSignal {
	var signal protocol.ControlSignal
	if len(msg.Data) == 0 {
		return signal
	}
	if err := json.Unmarshal(msg.Data, &signal); err != nil {
		log.Debug("control signal payload ignored", slogError(fmt.Errorf("decode: %w", err)))
	}
	return signal
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Package race runs one dictation session at a time: it starts capture, races
// the streaming and batch engines when recording ends, commits the first
// usable text and reconciles the batch answer afterwards.
package race

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/engine"
	"github.com/loqalabs/loqa-dictation/internal/output"
	"github.com/loqalabs/loqa-dictation/internal/resample"
	"github.com/loqalabs/loqa-dictation/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultSettleDelay is how long Complete or Error stays visible before the
// coordinator returns to Idle.
const DefaultSettleDelay = 2 * time.Second

var (
	ErrNotIdle      = errors.New("dictation session already active")
	ErrNotRecording = errors.New("no recording in progress")
)

// AudioSource is the capture side of a session.
type AudioSource interface {
	SampleRate() int
	SetListener(func(audio.SampleChunk))
	Start(ctx context.Context) error
	Stop() audio.Capture
}

// StreamingEngine consumes chunks live and answers shortly after input ends.
type StreamingEngine interface {
	StartSession(ctx context.Context, sampleRate int)
	AppendChunk(chunk audio.SampleChunk)
	FinalizeAndWait(timeout time.Duration) string
	Cleanup()
}

// BatchEngine transcribes the whole recording after capture stops.
type BatchEngine interface {
	IsReady() bool
	Transcribe(ctx context.Context, samples []float32) (string, error)
}

// Timer is the handle returned by Options.AfterFunc.
type Timer interface {
	Stop() bool
}

type Options struct {
	SettleDelay     time.Duration
	FinalizeTimeout time.Duration
	Logger          *slog.Logger
	Meter           metric.Meter
	Tracer          trace.Tracer

	// Test hooks.
	Now       func() time.Time
	NewID     func() string
	AfterFunc func(time.Duration, func()) Timer
	Resample  func(samples []float32, sourceRate int) []float32
}

// Outcome is the resolution of one End call.
type Outcome struct {
	SessionID string
	Status    session.Status
	Reason    string
	Text      string
	Engine    engine.Identity
	// Refining is set when a batch answer is still pending reconciliation.
	Refining bool
}

type Coordinator struct {
	source    AudioSource
	streaming StreamingEngine
	batch     BatchEngine
	sink      output.Sink

	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// opMu serialises Begin and End.
	opMu sync.Mutex

	mu     sync.Mutex
	state  session.State
	settle Timer
	span   trace.Span

	obsMu     sync.RWMutex
	observers []func(session.State)
}

// New wires the capture listener to the streaming engine and returns an idle
// coordinator. A nil batch engine takes no part in any race.
func New(parent context.Context, source AudioSource, streaming StreamingEngine, batch BatchEngine, sink output.Sink, opts Options) *Coordinator {
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = engine.DefaultFinalizeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Resample == nil {
		opts.Resample = resample.Resample
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("")
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		source:    source,
		streaming: streaming,
		batch:     batch,
		sink:      sink,
		opts:      opts,
		log:       opts.Logger.With(slog.String("component", "race")),
		tracer:    tracer,
		ctx:       ctx,
		cancel:    cancel,
		state:     session.Idle(),
	}
	m, err := newMetrics(opts.Meter, c)
	if err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	} else {
		c.metrics = m
	}
	source.SetListener(streaming.AppendChunk)
	return c
}

// Status returns the current session snapshot.
func (c *Coordinator) Status() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStatus registers fn to be called with every new state, in order.
func (c *Coordinator) OnStatus(fn func(session.State)) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Begin starts a recording. The streaming session opens before capture so no
// early chunk is lost.
func (c *Coordinator) Begin(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	current := c.Status()
	if !current.IsIdle() {
		return fmt.Errorf("%w: %s", ErrNotIdle, current.Status)
	}

	id := c.opts.NewID()
	next, ok := current.Begin(id, c.opts.Now())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotIdle, current.Status)
	}

	_, span := c.tracer.Start(c.ctx, "dictation.session", trace.WithAttributes(attribute.String("session.id", id)))

	c.streaming.StartSession(c.ctx, c.source.SampleRate())
	startErr := c.source.Start(c.ctx)

	c.mu.Lock()
	c.state = next
	c.span = span
	c.mu.Unlock()
	c.publish(next)

	if startErr != nil {
		c.streaming.Cleanup()
		reason := startErr.Error()
		var capErr *audio.CaptureError
		if errors.As(startErr, &capErr) {
			reason = capErr.Reason
		}
		c.log.Warn("capture failed", slog.String("session_id", id), slogError(startErr))
		c.fail(ctx, id, session.CaptureFailed(reason))
		return startErr
	}

	c.log.Info("dictation started", slog.String("session_id", id))
	return nil
}

// End stops capture and resolves the session. It returns once the session is
// Complete or Error; reconciliation may continue in the background.
func (c *Coordinator) End(ctx context.Context) (Outcome, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	current := c.Status()
	if current.Status != session.StatusRecording {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotRecording, current.Status)
	}
	id := current.ID

	capture := c.source.Stop()
	stoppedAt := c.opts.Now()

	next, _ := current.End()
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	c.publish(next)

	if capture.Empty() {
		c.streaming.Cleanup()
		st := c.fail(ctx, id, session.ReasonNoAudio)
		return outcomeOf(st), nil
	}

	c.log.Debug("racing engines",
		slog.String("session_id", id),
		slog.Int("samples", len(capture.Samples)),
		slog.Int("sample_rate", capture.SampleRate))

	l := newLatch()
	var branches sync.WaitGroup

	branches.Add(1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer branches.Done()
		text := c.streaming.FinalizeAndWait(c.opts.FinalizeTimeout)
		l.offer(engine.Result{Engine: engine.Streaming, Text: text, CompletedAt: c.opts.Now()})
	}()

	var batchResult chan engine.Result
	if c.batch != nil && c.batch.IsReady() {
		batchResult = make(chan engine.Result, 1)
		branches.Add(1)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer branches.Done()
			samples := c.opts.Resample(capture.Samples, capture.SampleRate)
			text, err := c.batch.Transcribe(c.ctx, samples)
			if err != nil {
				c.log.Warn("batch transcription failed", slog.String("session_id", id), slogError(err))
				text = ""
			}
			res := engine.Result{Engine: engine.Batch, Text: text, CompletedAt: c.opts.Now()}
			batchResult <- res
			l.offer(res)
		}()
	}

	allDone := make(chan struct{})
	go func() {
		branches.Wait()
		close(allDone)
	}()

	select {
	case <-l.resolved():
	case <-allDone:
	}

	winner, ok := l.result()
	if !ok {
		st := c.fail(ctx, id, session.ReasonNoSpeech)
		return outcomeOf(st), nil
	}

	if err := c.sink.InjectPrimary(ctx, output.Primary{
		SessionID: id,
		Text:      winner.Text,
		Engine:    winner.Engine,
		At:        winner.CompletedAt,
	}); err != nil {
		c.log.Warn("failed to deliver committed text", slog.String("session_id", id), slogError(err))
	}
	c.metrics.committed(ctx, winner.Engine, winner.CompletedAt.Sub(stoppedAt))

	refining := winner.Engine == engine.Streaming && batchResult != nil
	if refining {
		c.wg.Add(1)
		go c.reconcile(id, winner.Text, batchResult)
	}

	st := c.complete(ctx, id, winner.Engine)
	out := outcomeOf(st)
	out.Text = winner.Text
	out.Engine = winner.Engine
	out.Refining = refining
	c.log.Info("dictation committed",
		slog.String("session_id", id),
		slog.String("engine", string(winner.Engine)))
	return out, nil
}

func (c *Coordinator) reconcile(id, committed string, batchResult <-chan engine.Result) {
	defer c.wg.Done()
	res := <-batchResult
	if res.Empty() || engine.Normalize(res.Text) == engine.Normalize(committed) {
		return
	}
	if err := c.sink.PublishRefinement(c.ctx, output.Refinement{
		SessionID: id,
		Text:      res.Text,
		Primary:   committed,
		At:        res.CompletedAt,
	}); err != nil {
		c.log.Warn("failed to publish refinement", slog.String("session_id", id), slogError(err))
		return
	}
	c.metrics.refined(c.ctx)
	c.log.Info("dictation refined", slog.String("session_id", id))
}

func (c *Coordinator) complete(ctx context.Context, id string, winner engine.Identity) session.State {
	c.mu.Lock()
	next, ok := c.state.Complete()
	if ok {
		c.state = next
	}
	span := c.span
	c.mu.Unlock()
	if !ok {
		return next
	}
	if span != nil {
		span.SetAttributes(attribute.String("dictation.engine", string(winner)))
	}
	c.finish(ctx, id, next)
	return next
}

func (c *Coordinator) fail(ctx context.Context, id, reason string) session.State {
	c.mu.Lock()
	next, ok := c.state.Fail(reason)
	if ok {
		c.state = next
	}
	span := c.span
	c.mu.Unlock()
	if !ok {
		return next
	}
	if span != nil {
		span.SetStatus(codes.Error, reason)
	}
	c.log.Info("dictation failed", slog.String("session_id", id), slog.String("reason", reason))
	c.finish(ctx, id, next)
	return next
}

// finish publishes a terminal state, closes the session span and arms the
// settle timer.
func (c *Coordinator) finish(ctx context.Context, id string, st session.State) {
	c.publish(st)
	c.metrics.outcome(ctx, st)

	c.mu.Lock()
	span := c.span
	c.span = nil
	if c.settle != nil {
		c.settle.Stop()
	}
	c.settle = c.opts.AfterFunc(c.opts.SettleDelay, func() { c.settleTo(id) })
	c.mu.Unlock()

	if span != nil {
		span.End()
	}
}

// settleTo returns to Idle unless a different session is current.
func (c *Coordinator) settleTo(id string) {
	c.mu.Lock()
	next, ok := c.state.Settle(id)
	if ok {
		c.state = next
		c.settle = nil
	}
	c.mu.Unlock()
	if ok {
		c.publish(next)
	}
}

func (c *Coordinator) publish(st session.State) {
	c.obsMu.RLock()
	observers := append([]func(session.State){}, c.observers...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(st)
	}
}

// Wait blocks until every engine branch and reconciliation has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels background work and waits for it. A recording in progress is
// stopped and discarded.
func (c *Coordinator) Close() {
	c.opMu.Lock()
	if c.Status().Status == session.StatusRecording {
		c.source.Stop()
		c.streaming.Cleanup()
	}
	c.opMu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.mu.Unlock()
}

func outcomeOf(st session.State) Outcome {
	return Outcome{SessionID: st.ID, Status: st.Status, Reason: st.Reason}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

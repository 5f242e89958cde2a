package race

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/engine"
	"github.com/loqalabs/loqa-dictation/internal/output"
	"github.com/loqalabs/loqa-dictation/internal/session"
)

type orderLog struct {
	mu     sync.Mutex
	events []string
}

func (o *orderLog) add(e string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

type fakeSource struct {
	rate     int
	samples  []float32
	startErr error
	order    *orderLog

	mu       sync.Mutex
	listener func(audio.SampleChunk)
	starts   int
	stops    int
}

func (s *fakeSource) SampleRate() int { return s.rate }

func (s *fakeSource) SetListener(fn func(audio.SampleChunk)) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

func (s *fakeSource) Start(context.Context) error {
	s.order.add("source.start")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return s.startErr
}

func (s *fakeSource) Stop() audio.Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return audio.Capture{Samples: s.samples, SampleRate: s.rate}
}

func (s *fakeSource) emit(c audio.SampleChunk) {
	s.mu.Lock()
	fn := s.listener
	s.mu.Unlock()
	fn(c)
}

type fakeStreaming struct {
	text  string
	delay time.Duration
	order *orderLog

	mu        sync.Mutex
	starts    int
	appended  int
	finalizes int
	cleanups  int
	rate      int
}

func (f *fakeStreaming) StartSession(_ context.Context, sampleRate int) {
	f.order.add("streaming.start")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.rate = sampleRate
}

func (f *fakeStreaming) AppendChunk(audio.SampleChunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended++
}

func (f *fakeStreaming) FinalizeAndWait(time.Duration) string {
	f.mu.Lock()
	f.finalizes++
	f.mu.Unlock()
	time.Sleep(f.delay)
	f.Cleanup()
	return f.text
}

func (f *fakeStreaming) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
}

func (f *fakeStreaming) counts() (starts, finalizes, cleanups int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.finalizes, f.cleanups
}

type fakeBatch struct {
	ready bool
	text  string
	err   error
	delay time.Duration
	gate  chan struct{}

	mu      sync.Mutex
	calls   int
	samples int
}

func (b *fakeBatch) IsReady() bool { return b.ready }

func (b *fakeBatch) Transcribe(ctx context.Context, samples []float32) (string, error) {
	b.mu.Lock()
	b.calls++
	b.samples = len(samples)
	b.mu.Unlock()
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	time.Sleep(b.delay)
	return b.text, b.err
}

func (b *fakeBatch) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type recordingSink struct {
	mu          sync.Mutex
	primaries   []output.Primary
	refinements []output.Refinement
}

func (s *recordingSink) InjectPrimary(_ context.Context, p output.Primary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaries = append(s.primaries, p)
	return nil
}

func (s *recordingSink) PublishRefinement(_ context.Context, r output.Refinement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refinements = append(s.refinements, r)
	return nil
}

func (s *recordingSink) snapshot() ([]output.Primary, []output.Refinement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]output.Primary(nil), s.primaries...), append([]output.Refinement(nil), s.refinements...)
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.stopped = true
	return true
}

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{delay: d, fn: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualClock) timer(i int) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[i]
}

func (m *manualClock) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type harness struct {
	source    *fakeSource
	streaming *fakeStreaming
	batch     *fakeBatch
	sink      *recordingSink
	clock     *manualClock
	coord     *Coordinator

	mu       sync.Mutex
	statuses []session.State
}

func newHarness(t *testing.T, source *fakeSource, streaming *fakeStreaming, batch *fakeBatch) *harness {
	t.Helper()
	h := &harness{
		source:    source,
		streaming: streaming,
		batch:     batch,
		sink:      &recordingSink{},
		clock:     &manualClock{},
	}
	ids := 0
	var b BatchEngine
	if batch != nil {
		b = batch
	}
	h.coord = New(context.Background(), source, streaming, b, h.sink, Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		AfterFunc: h.clock.AfterFunc,
		NewID: func() string {
			ids++
			return "session-" + string(rune('0'+ids))
		},
	})
	h.coord.OnStatus(func(st session.State) {
		h.mu.Lock()
		h.statuses = append(h.statuses, st)
		h.mu.Unlock()
	})
	t.Cleanup(h.coord.Close)
	return h
}

func (h *harness) statusTrail() []session.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]session.Status, len(h.statuses))
	for i, st := range h.statuses {
		out[i] = st.Status
	}
	return out
}

func (h *harness) run(t *testing.T) Outcome {
	t.Helper()
	if err := h.coord.Begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	out, err := h.coord.End(context.Background())
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	return out
}

func speech() []float32 {
	s := make([]float32, 1600)
	for i := range s {
		s[i] = 0.1
	}
	return s
}

func TestStreamingWinsWhenBatchEmpty(t *testing.T) {
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: "hello", delay: 20 * time.Millisecond},
		&fakeBatch{ready: true, text: "", delay: 40 * time.Millisecond},
	)
	out := h.run(t)
	if out.Status != session.StatusComplete || out.Text != "hello" || out.Engine != engine.Streaming {
		t.Fatalf("unexpected outcome %+v", out)
	}
	h.coord.Wait()
	primaries, refinements := h.sink.snapshot()
	if len(primaries) != 1 || primaries[0].Text != "hello" {
		t.Fatalf("expected single commit of hello, got %+v", primaries)
	}
	if len(refinements) != 0 {
		t.Fatalf("expected no refinement, got %+v", refinements)
	}
}

func TestReconciliationPublishesRefinementOnce(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: "their", delay: 20 * time.Millisecond},
		&fakeBatch{ready: true, text: "there", gate: gate},
	)
	out := h.run(t)
	if out.Status != session.StatusComplete || out.Text != "their" || !out.Refining {
		t.Fatalf("unexpected outcome %+v", out)
	}
	primaries, refinements := h.sink.snapshot()
	if len(primaries) != 1 || len(refinements) != 0 {
		t.Fatalf("refinement must follow the commit: %+v %+v", primaries, refinements)
	}

	close(gate)
	h.coord.Wait()
	primaries, refinements = h.sink.snapshot()
	if len(primaries) != 1 || primaries[0].Text != "their" {
		t.Fatalf("primary output changed: %+v", primaries)
	}
	if len(refinements) != 1 || refinements[0].Text != "there" || refinements[0].Primary != "their" {
		t.Fatalf("expected one refinement with there, got %+v", refinements)
	}
	if refinements[0].SessionID != primaries[0].SessionID {
		t.Fatal("refinement should carry the committed session id")
	}
}

func TestReconciliationIgnoresEquivalentText(t *testing.T) {
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: "Their"},
		&fakeBatch{ready: true, text: "  their ", delay: 20 * time.Millisecond},
	)
	h.run(t)
	h.coord.Wait()
	if _, refinements := h.sink.snapshot(); len(refinements) != 0 {
		t.Fatalf("expected no refinement for equivalent text, got %+v", refinements)
	}
}

func TestBatchWinsWithoutReconciliation(t *testing.T) {
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: "streamed", delay: 100 * time.Millisecond},
		&fakeBatch{ready: true, text: "batched"},
	)
	out := h.run(t)
	if out.Engine != engine.Batch || out.Text != "batched" || out.Refining {
		t.Fatalf("unexpected outcome %+v", out)
	}
	h.coord.Wait()
	primaries, refinements := h.sink.snapshot()
	if len(primaries) != 1 || len(refinements) != 0 {
		t.Fatalf("unexpected deliveries %+v %+v", primaries, refinements)
	}
}

func TestEmptyStreamingFallsThroughToBatch(t *testing.T) {
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: ""},
		&fakeBatch{ready: true, text: "late but right", delay: 30 * time.Millisecond},
	)
	out := h.run(t)
	if out.Status != session.StatusComplete || out.Engine != engine.Batch || out.Text != "late but right" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestBothEmptyIsNoSpeech(t *testing.T) {
	batch := &fakeBatch{ready: false, text: "never"}
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: ""},
		batch,
	)
	out := h.run(t)
	if out.Status != session.StatusError || out.Reason != "No speech detected" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if batch.callCount() != 0 {
		t.Fatal("batch engine should be absent when not ready")
	}
	if primaries, _ := h.sink.snapshot(); len(primaries) != 0 {
		t.Fatalf("nothing should be committed, got %+v", primaries)
	}
}

func TestEngineFailuresAreAbsorbed(t *testing.T) {
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: ""},
		&fakeBatch{ready: true, err: errors.New("model crashed")},
	)
	out := h.run(t)
	if out.Status != session.StatusError || out.Reason != session.ReasonNoSpeech {
		t.Fatalf("unexpected outcome %+v", out)
	}

	h2 := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: "still works"},
		&fakeBatch{ready: true, err: errors.New("model crashed")},
	)
	out = h2.run(t)
	h2.coord.Wait()
	if out.Status != session.StatusComplete || out.Text != "still works" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if _, refinements := h2.sink.snapshot(); len(refinements) != 0 {
		t.Fatal("failed batch branch must not publish a refinement")
	}
}

func TestNilBatchEngine(t *testing.T) {
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: "only streaming"},
		nil,
	)
	out := h.run(t)
	if out.Status != session.StatusComplete || out.Refining {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestEmptyCaptureInvokesNoEngine(t *testing.T) {
	streaming := &fakeStreaming{text: "ghost"}
	batch := &fakeBatch{ready: true, text: "ghost"}
	h := newHarness(t, &fakeSource{rate: 16000}, streaming, batch)

	out := h.run(t)
	if out.Status != session.StatusError || out.Reason != "No audio recorded" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	_, finalizes, cleanups := streaming.counts()
	if finalizes != 0 || batch.callCount() != 0 {
		t.Fatalf("engines invoked: finalizes=%d batch=%d", finalizes, batch.callCount())
	}
	if cleanups == 0 {
		t.Fatal("streaming session should be torn down")
	}
}

func TestBeginTwiceIsRejected(t *testing.T) {
	source := &fakeSource{rate: 16000, samples: speech()}
	streaming := &fakeStreaming{text: "x"}
	h := newHarness(t, source, streaming, nil)

	if err := h.coord.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.Begin(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("expected ErrNotIdle, got %v", err)
	}
	if st := h.coord.Status(); st.Status != session.StatusRecording || st.ID != "session-1" {
		t.Fatalf("unexpected state %+v", st)
	}
	starts, _, _ := streaming.counts()
	if source.starts != 1 || starts != 1 {
		t.Fatalf("second begin had side effects: source=%d streaming=%d", source.starts, starts)
	}
}

func TestEndWithoutRecordingIsRejected(t *testing.T) {
	source := &fakeSource{rate: 16000}
	h := newHarness(t, source, &fakeStreaming{}, nil)
	if _, err := h.coord.End(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
	if source.stops != 0 {
		t.Fatal("end without recording should not touch the source")
	}
}

func TestStreamingStartsBeforeCapture(t *testing.T) {
	order := &orderLog{}
	source := &fakeSource{rate: 44100, samples: speech(), order: order}
	streaming := &fakeStreaming{text: "x", order: order}
	h := newHarness(t, source, streaming, nil)

	if err := h.coord.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(order.events) != 2 || order.events[0] != "streaming.start" || order.events[1] != "source.start" {
		t.Fatalf("unexpected order %v", order.events)
	}
	if streaming.rate != 44100 {
		t.Fatalf("streaming session should open at the device rate, got %d", streaming.rate)
	}
	source.emit(audio.SampleChunk{Samples: []float32{0.1}, Channels: 1, SampleRate: 44100})
	if streaming.appended != 1 {
		t.Fatal("captured chunks should reach the streaming engine")
	}
}

func TestCaptureFailure(t *testing.T) {
	source := &fakeSource{rate: 16000, startErr: &audio.CaptureError{Reason: "microphone denied"}}
	streaming := &fakeStreaming{}
	h := newHarness(t, source, streaming, nil)

	err := h.coord.Begin(context.Background())
	var capErr *audio.CaptureError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected capture error, got %v", err)
	}
	st := h.coord.Status()
	if st.Status != session.StatusError || st.Reason != "Capture failed: microphone denied" {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, _, cleanups := streaming.counts(); cleanups == 0 {
		t.Fatal("streaming session should be torn down")
	}
	if h.clock.count() != 1 {
		t.Fatal("settle timer should be armed")
	}
	h.clock.timer(0).fn()
	if !h.coord.Status().IsIdle() {
		t.Fatal("expected idle after settle")
	}
}

func TestSettleIgnoresStaleSession(t *testing.T) {
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: "one"},
		nil,
	)
	h.run(t)
	first := h.clock.timer(0)
	if first.delay != DefaultSettleDelay {
		t.Fatalf("expected default settle delay, got %v", first.delay)
	}
	if err := h.coord.Begin(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("begin during settle should be rejected, got %v", err)
	}
	first.fn()
	if !h.coord.Status().IsIdle() {
		t.Fatal("expected idle after settle")
	}

	h.run(t)
	st := h.coord.Status()
	if st.Status != session.StatusComplete || st.ID != "session-2" {
		t.Fatalf("unexpected state %+v", st)
	}
	// a stale timer for the first session must not reset the second
	first.fn()
	if h.coord.Status() != st {
		t.Fatalf("stale settle changed state to %+v", h.coord.Status())
	}
	h.clock.timer(1).fn()
	if !h.coord.Status().IsIdle() {
		t.Fatal("expected idle after second settle")
	}
}

func TestStatusTrail(t *testing.T) {
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: "hello"},
		nil,
	)
	h.run(t)
	h.clock.timer(0).fn()
	want := []session.Status{session.StatusRecording, session.StatusTranscribing, session.StatusComplete, session.StatusIdle}
	got := h.statusTrail()
	if len(got) != len(want) {
		t.Fatalf("want %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v got %v", want, got)
		}
	}
}

func TestBatchReceivesResampledAudio(t *testing.T) {
	batch := &fakeBatch{ready: true, text: "resampled"}
	h := newHarness(t,
		&fakeSource{rate: 48000, samples: make([]float32, 4800)},
		&fakeStreaming{text: "", delay: 10 * time.Millisecond},
		batch,
	)
	h.source.samples[0] = 0.5
	h.run(t)
	if batch.samples != 1600 {
		t.Fatalf("expected 1600 samples at 16 kHz, got %d", batch.samples)
	}
}

func TestExactlyOneResolutionPerSession(t *testing.T) {
	tests := []struct {
		name      string
		samples   []float32
		streaming string
		batch     *fakeBatch
		want      session.Status
	}{
		{"streaming only", speech(), "a", nil, session.StatusComplete},
		{"batch only", speech(), "", &fakeBatch{ready: true, text: "b"}, session.StatusComplete},
		{"both", speech(), "a", &fakeBatch{ready: true, text: "b"}, session.StatusComplete},
		{"neither", speech(), "", &fakeBatch{ready: true}, session.StatusError},
		{"silence", nil, "a", &fakeBatch{ready: true, text: "b"}, session.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeSource{rate: 16000, samples: tt.samples}, &fakeStreaming{text: tt.streaming}, tt.batch)
			out := h.run(t)
			h.coord.Wait()
			if out.Status != tt.want {
				t.Fatalf("want %s got %+v", tt.want, out)
			}
			primaries, _ := h.sink.snapshot()
			wantCommits := 0
			if tt.want == session.StatusComplete {
				wantCommits = 1
			}
			if len(primaries) != wantCommits {
				t.Fatalf("expected %d commits, got %d", wantCommits, len(primaries))
			}
			terminal := 0
			for _, st := range h.statusTrail() {
				if st == session.StatusComplete || st == session.StatusError {
					terminal++
				}
			}
			if terminal != 1 {
				t.Fatalf("expected exactly one terminal status, got %v", h.statusTrail())
			}
		})
	}
}

func TestCloseCancelsPendingReconciliation(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t,
		&fakeSource{rate: 16000, samples: speech()},
		&fakeStreaming{text: "their"},
		&fakeBatch{ready: true, text: "there", gate: gate},
	)
	h.run(t)

	done := make(chan struct{})
	go func() {
		h.coord.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
	if _, refinements := h.sink.snapshot(); len(refinements) != 0 {
		t.Fatalf("cancelled batch should not refine, got %+v", refinements)
	}
}

// stalledStream accepts audio but never produces a final result.
type stalledStream struct {
	events chan engine.StreamEvent
	once   sync.Once
}

func (s *stalledStream) Push(audio.SampleChunk) error { return nil }

func (s *stalledStream) CloseSend() error { return nil }

func (s *stalledStream) Events() <-chan engine.StreamEvent { return s.events }

func (s *stalledStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type recognizerSequence struct {
	mu   sync.Mutex
	next []engine.Recognizer
}

func (r *recognizerSequence) NewStream(ctx context.Context, sampleRate int) (engine.Stream, error) {
	r.mu.Lock()
	rec := r.next[0]
	r.next = r.next[1:]
	r.mu.Unlock()
	return rec.NewStream(ctx, sampleRate)
}

type stalledRecognizer struct{}

func (stalledRecognizer) NewStream(context.Context, int) (engine.Stream, error) {
	return &stalledStream{events: make(chan engine.StreamEvent)}, nil
}

func TestBatchWinThenImmediateSessionKeepsStreaming(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	streaming := engine.NewStreamingEngine(&recognizerSequence{next: []engine.Recognizer{
		stalledRecognizer{},
		engine.NewMockRecognizer("hello"),
	}}, 10*time.Second, logger)
	source := &fakeSource{rate: 16000, samples: speech()}
	batch := &fakeBatch{ready: true, text: "batch"}
	coord := New(context.Background(), source, streaming, batch, &recordingSink{}, Options{
		SettleDelay:     -1,
		FinalizeTimeout: 10 * time.Second,
		Logger:          logger,
	})
	t.Cleanup(coord.Close)

	waitIdle := func() {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !coord.Status().IsIdle() {
			if time.Now().After(deadline) {
				t.Fatalf("never settled, status %s", coord.Status().Status)
			}
			time.Sleep(time.Millisecond)
		}
	}

	if err := coord.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, err := coord.End(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.Engine != engine.Batch || first.Text != "batch" {
		t.Fatalf("expected batch to win the first session, got %+v", first)
	}
	waitIdle()

	batch.ready = false
	if err := coord.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	source.emit(audio.SampleChunk{Samples: speech(), Channels: 1, SampleRate: 16000})
	second, err := coord.End(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != session.StatusComplete || second.Text != "hello" || second.Engine != engine.Streaming {
		t.Fatalf("second session lost its streaming result: %+v", second)
	}
}

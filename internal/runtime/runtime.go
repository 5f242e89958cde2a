package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/capability"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/engine"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/modelgate"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/output"
	"github.com/loqalabs/loqa-dictation/internal/race"
	"go.opentelemetry.io/otel"
)

const instrumentationName = "github.com/loqalabs/loqa-dictation"

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	source    *audio.Source
	streaming *engine.StreamingEngine
	batch     *engine.BatchEngine
	gate      *modelgate.FileGate
	coord     *race.Coordinator
	service   *dictation.Service
	registry  *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up telemetry, the bus, the engines and the HTTP endpoints, then
// blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown

	if err := r.setup(ctx); err != nil {
		r.teardown()
		r.closeTelemetry()
		return err
	}

	mux := r.routes()
	if tel.metricsHandler != nil {
		mux.Handle("/metrics", tel.metricsHandler)
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", tel.metricsHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	r.teardown()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slogError(err))
		}
	}()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

// setup wires every component. On error the caller runs teardown.
func (r *Runtime) setup(ctx context.Context) error {
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	busCfg := r.cfg.Bus
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	device, err := r.newDevice()
	if err != nil {
		return err
	}
	r.source = audio.NewSource(device, r.logger)

	recognizer, err := engine.NewRecognizer(r.cfg.Streaming, r.logger)
	if err != nil {
		return fmt.Errorf("streaming engine: %w", err)
	}
	finalize := time.Duration(r.cfg.Streaming.FinalizeTimeoutMS) * time.Millisecond
	r.streaming = engine.NewStreamingEngine(recognizer, finalize, r.logger)

	var batch race.BatchEngine
	transcriber, err := engine.NewTranscriber(r.cfg.Batch, r.logger)
	if err != nil {
		return fmt.Errorf("batch engine: %w", err)
	}
	if transcriber != nil {
		r.batch = engine.NewBatchEngine(r.newGate(ctx), transcriber, r.logger)
		batch = r.batch
	}

	sinks := output.Fanout{output.NewLogSink(r.logger)}
	if r.cfg.Output.PublishBus {
		sinks = append(sinks, output.NewBusSink(r.bus))
	}
	var history *output.StoreSink
	if r.cfg.Output.RecordStore && r.store.Enabled() {
		history = output.NewStoreSink(r.store, r.deviceName(), r.cfg.Output.Privacy, r.logger)
		sinks = append(sinks, history)
	}

	settle := time.Duration(r.cfg.Session.SettleDelayMS) * time.Millisecond
	if r.cfg.Session.SettleDelayMS == 0 {
		settle = -1
	}
	r.coord = race.New(ctx, r.source, r.streaming, batch, sinks, race.Options{
		SettleDelay:     settle,
		FinalizeTimeout: finalize,
		Logger:          r.logger,
		Meter:           otel.Meter(instrumentationName),
		Tracer:          otel.Tracer(instrumentationName),
	})
	if history != nil {
		r.coord.OnStatus(history.ObserveStatus)
	}

	r.service = dictation.NewService(ctx, r.bus, r.coord, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start dictation service: %w", err)
	}

	caps := capability.ForEngines(r.cfg.Streaming, r.cfg.Batch)
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, caps, r.probe, r.bus, otel.Meter(instrumentationName), r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

func (r *Runtime) probe() capability.Probe {
	p := capability.Probe{SessionStatus: string(r.coord.Status().Status)}
	if r.batch != nil {
		p.ModelReady = r.batch.IsReady()
	}
	return p
}

func (r *Runtime) newDevice() (audio.Device, error) {
	switch r.cfg.Audio.Device {
	case "wav":
		dev, err := audio.NewWAVDevice(r.cfg.Audio.WAVPath, r.cfg.Audio.ChunkDurationMS, r.cfg.Audio.Realtime)
		if err != nil {
			return nil, fmt.Errorf("open wav device: %w", err)
		}
		return dev, nil
	default:
		return audio.NewBusDevice(r.bus, r.cfg.Audio.DeviceID, r.cfg.Audio.SampleRate, r.cfg.Audio.Channels), nil
	}
}

// newGate follows the configured model file. Backends that need no model
// are always ready.
func (r *Runtime) newGate(ctx context.Context) modelgate.Gate {
	path := r.cfg.Batch.ModelPath
	if path == "" {
		if r.cfg.Batch.Mode == "whisper" && engine.NativeAvailable() {
			return modelgate.Static(modelgate.NotReady())
		}
		return modelgate.Static(modelgate.ReadyAt(""))
	}
	r.gate = modelgate.NewFileGate(path, r.logger)
	if err := r.gate.Watch(ctx); err != nil {
		r.logger.Warn("model watch unavailable, readiness fixed at startup", slogError(err))
	}
	return r.gate
}

func (r *Runtime) deviceName() string {
	if r.cfg.Audio.Device == "wav" {
		return "wav"
	}
	return r.cfg.Audio.DeviceID
}

// teardown releases components in reverse order. It tolerates a partial
// setup.
func (r *Runtime) teardown() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.coord != nil {
		r.coord.Close()
	}
	if r.gate != nil {
		r.gate.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// StatusReport is the body of GET /status.
type StatusReport struct {
	Session SessionReport `json:"session"`
	Model   ModelReport   `json:"model"`
	Audio   AudioReport   `json:"audio"`
	Bus     bool          `json:"bus_connected"`
	Nodes   []NodeReport  `json:"nodes,omitempty"`
}

type NodeReport struct {
	ID      string `json:"id"`
	Healthy bool   `json:"healthy"`
	Status  string `json:"session_status,omitempty"`
}

type SessionReport struct {
	ID        string    `json:"id,omitempty"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

type ModelReport struct {
	Ready bool   `json:"ready"`
	Path  string `json:"path,omitempty"`
}

type AudioReport struct {
	Capturing  bool    `json:"capturing"`
	Level      float64 `json:"level"`
	SampleRate int     `json:"sample_rate"`
}

func (r *Runtime) status() StatusReport {
	st := r.coord.Status()
	report := StatusReport{
		Session: SessionReport{
			ID:        st.ID,
			Status:    string(st.Status),
			Reason:    st.Reason,
			StartedAt: st.StartedAt,
		},
		Audio: AudioReport{
			Capturing:  r.source.Capturing(),
			Level:      r.source.Level(),
			SampleRate: r.source.SampleRate(),
		},
		Bus: r.bus.Healthy(),
	}
	if r.batch != nil {
		ready := r.batch.Readiness()
		report.Model = ModelReport{Ready: ready.Ready, Path: ready.Path}
	}
	if r.registry != nil {
		for _, n := range r.registry.Query(nil) {
			report.Nodes = append(report.Nodes, NodeReport{ID: n.ID, Healthy: n.Healthy, Status: n.Probe.SessionStatus})
		}
		sort.Slice(report.Nodes, func(i, j int) bool { return report.Nodes[i].ID < report.Nodes[j].ID })
	}
	return report
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.status()); err != nil {
		r.logger.Warn("failed to encode status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

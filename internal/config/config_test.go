package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Session.SettleDelayMS != 2000 {
		t.Fatalf("expected 2s settle delay, got %d", cfg.Session.SettleDelayMS)
	}
	if cfg.Streaming.FinalizeTimeoutMS != 1500 {
		t.Fatalf("expected 1500ms finalize timeout, got %d", cfg.Streaming.FinalizeTimeoutMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-dictation.yaml")
	data := []byte(`
audio:
  device: wav
  wav_path: ./fixtures/hello.wav
  realtime: false
batch:
  mode: exec
  command: "whisper-cli --json"
  model_path: ./models/ggml-base.en.bin
session:
  settle_delay_ms: 500
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Audio.Device != "wav" || cfg.Audio.WAVPath != "./fixtures/hello.wav" {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Audio.Realtime {
		t.Fatalf("expected realtime disabled")
	}
	if cfg.Batch.Mode != "exec" || cfg.Batch.Command != "whisper-cli --json" {
		t.Fatalf("unexpected batch config: %+v", cfg.Batch)
	}
	if cfg.Session.SettleDelayMS != 500 {
		t.Fatalf("expected settle override, got %d", cfg.Session.SettleDelayMS)
	}
	// untouched sections keep defaults
	if cfg.Streaming.Mode != "mock" {
		t.Fatalf("expected default streaming mode, got %q", cfg.Streaming.Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_AUDIO_DEVICE_ID", "desk-mic")
	t.Setenv("LOQA_AUDIO_SAMPLE_RATE", "44100")
	t.Setenv("LOQA_STREAMING_MODE", "bridge")
	t.Setenv("LOQA_STREAMING_BRIDGE_URL", "ws://localhost:2700/asr")
	t.Setenv("LOQA_STREAMING_FINALIZE_TIMEOUT_MS", "900")
	t.Setenv("LOQA_BATCH_MODEL_PATH", "/models/ggml-small.bin")
	t.Setenv("LOQA_SESSION_SETTLE_DELAY_MS", "1000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.Audio.DeviceID != "desk-mic" || cfg.Audio.SampleRate != 44100 {
		t.Fatalf("expected audio overrides, got %+v", cfg.Audio)
	}
	if cfg.Streaming.Mode != "bridge" || cfg.Streaming.BridgeURL != "ws://localhost:2700/asr" {
		t.Fatalf("expected streaming overrides, got %+v", cfg.Streaming)
	}
	if cfg.Streaming.FinalizeTimeoutMS != 900 {
		t.Fatalf("expected finalize timeout override")
	}
	if cfg.Batch.ModelPath != "/models/ggml-small.bin" {
		t.Fatalf("expected model path override")
	}
	if cfg.Session.SettleDelayMS != 1000 {
		t.Fatalf("expected settle delay override")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }},
		{"unknown device", func(c *Config) { c.Audio.Device = "alsa" }},
		{"wav without path", func(c *Config) { c.Audio.Device = "wav" }},
		{"bridge without url", func(c *Config) { c.Streaming.Mode = "bridge" }},
		{"exec without command", func(c *Config) {
			c.Batch.Mode = "exec"
			c.Batch.ModelPath = "/m.bin"
		}},
		{"whisper without model", func(c *Config) { c.Batch.Mode = "whisper" }},
		{"zero sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"negative settle", func(c *Config) { c.Session.SettleDelayMS = -1 }},
		{"empty node id", func(c *Config) { c.Node.ID = "" }},
		{"heartbeat timeout too short", func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

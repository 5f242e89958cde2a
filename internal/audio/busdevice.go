package audio

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusDevice captures PCM16 frames published by edge devices on the bus.
type BusDevice struct {
	bus        *bus.Client
	deviceID   string
	sampleRate int
	channels   int

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBusDevice(client *bus.Client, deviceID string, sampleRate, channels int) *BusDevice {
	if channels <= 0 {
		channels = 1
	}
	return &BusDevice{bus: client, deviceID: deviceID, sampleRate: sampleRate, channels: channels}
}

func (d *BusDevice) SampleRate() int { return d.sampleRate }

func (d *BusDevice) Subject() string { return protocol.AudioFrameSubject(d.deviceID) }

func (d *BusDevice) Start(_ context.Context, deliver func(SampleChunk)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return ErrAlreadyCapturing
	}
	sub, err := d.bus.Subscribe(d.Subject(), func(msg *nats.Msg) {
		d.handleFrame(msg, deliver)
	})
	if err != nil {
		return err
	}
	if err := d.bus.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	d.sub = sub
	return nil
}

func (d *BusDevice) handleFrame(msg *nats.Msg, deliver func(SampleChunk)) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		d.bus.Logger().Warn("failed to decode audio frame", slogError(err))
		return
	}
	samples, err := DecodePCM16(frame.PCM)
	if err != nil {
		d.bus.Logger().Warn("dropping audio frame", slogError(err))
		return
	}
	rate := frame.SampleRate
	if rate <= 0 {
		rate = d.sampleRate
	}
	channels := frame.Channels
	if channels <= 0 {
		channels = d.channels
	}
	deliver(SampleChunk{Samples: samples, Channels: channels, SampleRate: rate})
}

// Stop unsubscribes after draining frames already received.
func (d *BusDevice) Stop() error {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Drain()
}

package output

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
)

// BusSink publishes committed text and refinements on the bus.
type BusSink struct {
	bus *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{bus: client}
}

func (s *BusSink) InjectPrimary(_ context.Context, p Primary) error {
	return s.bus.PublishJSON(protocol.SubjectTextPrimary, protocol.PrimaryText{
		SessionID: p.SessionID,
		Text:      p.Text,
		Engine:    string(p.Engine),
		Timestamp: stamp(p.At),
	})
}

func (s *BusSink) PublishRefinement(_ context.Context, r Refinement) error {
	return s.bus.PublishJSON(protocol.SubjectTextRefinement, protocol.Refinement{
		SessionID:   r.SessionID,
		Text:        r.Text,
		PrimaryText: r.Primary,
		Timestamp:   stamp(r.At),
	})
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

package output

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/session"
)

// StoreSink records the dictation timeline in the event store.
type StoreSink struct {
	store    *eventstore.Store
	deviceID string
	privacy  string
	log      *slog.Logger
}

func NewStoreSink(store *eventstore.Store, deviceID, privacy string, log *slog.Logger) *StoreSink {
	return &StoreSink{
		store:    store,
		deviceID: deviceID,
		privacy:  privacy,
		log:      log.With(slog.String("component", "history")),
	}
}

type committedPayload struct {
	Text   string `json:"text"`
	Engine string `json:"engine"`
}

type refinedPayload struct {
	Text    string `json:"text"`
	Primary string `json:"primary_text"`
}

type failedPayload struct {
	Reason string `json:"reason"`
}

func (s *StoreSink) InjectPrimary(ctx context.Context, p Primary) error {
	if err := s.store.UpdateSession(ctx, eventstore.SessionUpdate{
		ID:     p.SessionID,
		Engine: string(p.Engine),
		Text:   p.Text,
	}); err != nil {
		return err
	}
	return s.appendEvent(ctx, p.SessionID, eventstore.EventSessionCommitted, p.At,
		committedPayload{Text: p.Text, Engine: string(p.Engine)})
}

func (s *StoreSink) PublishRefinement(ctx context.Context, r Refinement) error {
	if err := s.store.UpdateSession(ctx, eventstore.SessionUpdate{ID: r.SessionID, Refinement: r.Text}); err != nil {
		return err
	}
	return s.appendEvent(ctx, r.SessionID, eventstore.EventSessionRefined, r.At,
		refinedPayload{Text: r.Text, Primary: r.Primary})
}

// ObserveStatus records session starts, failures and final status. It is
// registered as a coordinator status observer.
func (s *StoreSink) ObserveStatus(st session.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch st.Status {
	case session.StatusRecording:
		err = s.store.AppendSession(ctx, eventstore.Session{
			ID:        st.ID,
			DeviceID:  s.deviceID,
			Status:    string(st.Status),
			Privacy:   s.privacy,
			CreatedAt: st.StartedAt,
		})
		if err == nil {
			err = s.appendEvent(ctx, st.ID, eventstore.EventSessionStarted, st.StartedAt, nil)
		}
	case session.StatusTranscribing, session.StatusComplete:
		err = s.store.UpdateSession(ctx, eventstore.SessionUpdate{ID: st.ID, Status: string(st.Status)})
	case session.StatusError:
		err = s.store.UpdateSession(ctx, eventstore.SessionUpdate{ID: st.ID, Status: string(st.Status), Reason: st.Reason})
		if err == nil {
			err = s.appendEvent(ctx, st.ID, eventstore.EventSessionFailed, time.Time{}, failedPayload{Reason: st.Reason})
		}
	}
	if err != nil {
		s.log.Warn("failed to record session status",
			slog.String("session_id", st.ID),
			slog.String("status", string(st.Status)),
			slog.String("error", err.Error()))
	}
}

func (s *StoreSink) appendEvent(ctx context.Context, sessionID, typ string, at time.Time, payload any) error {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	return s.store.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      typ,
		Payload:   data,
		Privacy:   s.privacy,
		CreatedAt: at,
	})
}

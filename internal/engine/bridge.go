package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictation/internal/audio"
)

// BridgeRecognizer streams audio to a websocket ASR bridge. Audio goes up as
// binary PCM16 mono frames at the capture rate; hypotheses come back as JSON
// text frames. A result's text covers the open segment and is_final closes
// it, so a bridge may finalize segments while audio is still flowing. A
// {"type":"flush"} control frame ends input and is answered by a last final.
type BridgeRecognizer struct {
	baseURL  string
	language string
	dialer   *websocket.Dialer
	log      *slog.Logger
}

type bridgeResult struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error,omitempty"`
}

type bridgeControl struct {
	Type string `json:"type"`
}

func NewBridgeRecognizer(baseURL, language string, log *slog.Logger) (*BridgeRecognizer, error) {
	if baseURL == "" {
		return nil, errors.New("bridge url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid bridge url: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &BridgeRecognizer{
		baseURL:  baseURL,
		language: language,
		dialer:   websocket.DefaultDialer,
		log:      log.With(slog.String("component", "bridge")),
	}, nil
}

func (r *BridgeRecognizer) NewStream(ctx context.Context, sampleRate int) (Stream, error) {
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	if r.language != "" {
		q.Set("language", r.language)
	}
	u.RawQuery = q.Encode()

	conn, _, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect asr bridge: %w", err)
	}
	r.log.Debug("asr bridge connected", slog.String("url", u.String()))

	s := &bridgeStream{
		conn:   conn,
		events: make(chan StreamEvent, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type bridgeStream struct {
	conn   *websocket.Conn
	events chan StreamEvent

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (s *bridgeStream) readLoop() {
	defer close(s.events)
	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.emit(StreamEvent{Err: err})
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var res bridgeResult
		if err := json.Unmarshal(payload, &res); err != nil {
			continue
		}
		ev := StreamEvent{Text: res.Text, Final: res.IsFinal}
		if res.Error != "" {
			ev.Err = errors.New(res.Error)
		}
		s.emit(ev)
	}
}

// emit drops events nobody is waiting for once the stream is closed.
func (s *bridgeStream) emit(ev StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *bridgeStream) Push(chunk audio.SampleChunk) error {
	pcm := audio.EncodePCM16(chunk.Mono())
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *bridgeStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(bridgeControl{Type: "flush"})
}

func (s *bridgeStream) Events() <-chan StreamEvent { return s.events }

func (s *bridgeStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		err = s.conn.Close()
	})
	return err
}

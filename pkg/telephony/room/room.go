// Package room implements the telephony.Transport interface against a
// room-based media gateway. Signaling rides a WebSocket carrying JSON text
// messages; call media rides the same socket as binary Opus packets.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/telephony"
)

const defaultSampleRate = 8000

// Signal message types exchanged with the gateway.
const (
	msgJoin                 = "join"
	msgJoined               = "joined"
	msgParticipantJoined    = "participant-joined"
	msgParticipantLeft      = "participant-left"
	msgClientDisconnected   = "client-disconnected"
	msgDialout              = "dialout"
	msgDialoutAnswered      = "dialout-answered"
	msgDialoutStopped       = "dialout-stopped"
	msgDialoutError         = "dialout-error"
	msgDialinError          = "dialin-error"
	msgSIPTransfer          = "sip-transfer"
	msgDTMF                 = "dtmf"
	msgCaptureTranscription = "capture-transcription"
	msgDeleteRecording      = "delete-recording"
)

// signalMessage is the JSON envelope for every text message on the socket.
type signalMessage struct {
	Type            string `json:"type"`
	Token           string `json:"token,omitempty"`
	BotName         string `json:"bot_name,omitempty"`
	ParticipantID   string `json:"participant_id,omitempty"`
	ParticipantName string `json:"participant_name,omitempty"`
	PhoneNumber     string `json:"phone_number,omitempty"`
	ToEndPoint      string `json:"to_endpoint,omitempty"`
	Button          string `json:"button,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Config configures a room Transport.
type Config struct {
	// RoomURL is the wss:// URL of the room to join.
	RoomURL string

	// Token authenticates the bot against the gateway.
	Token string

	// BotName is the display name the bot joins under.
	BotName string

	// SampleRate is the PCM sample rate of the media path. Zero means 8000.
	SampleRate int
}

// Transport implements telephony.Transport over a media-gateway room.
type Transport struct {
	cfg      Config
	handlers telephony.EventHandlers

	in  *inputProcessor
	out *outputProcessor

	mu           sync.Mutex
	conn         *websocket.Conn
	participants map[string]telephony.Participant
	sawFirst     bool
	closed       bool

	readDone chan struct{}
}

// Compile-time interface assertion.
var _ telephony.Transport = (*Transport)(nil)

// New creates a room Transport for the given room. The transport is inert
// until Connect is called.
func New(cfg Config) (*Transport, error) {
	if cfg.RoomURL == "" {
		return nil, errors.New("room: RoomURL must not be empty")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}

	t := &Transport{
		cfg:          cfg,
		participants: make(map[string]telephony.Participant),
		readDone:     make(chan struct{}),
	}

	var err error
	if t.in, err = newInputProcessor(cfg.SampleRate); err != nil {
		return nil, fmt.Errorf("room: input processor: %w", err)
	}
	if t.out, err = newOutputProcessor(t, cfg.SampleRate); err != nil {
		return nil, fmt.Errorf("room: output processor: %w", err)
	}
	return t, nil
}

// Input implements telephony.Transport.
func (t *Transport) Input() pipeline.Processor { return t.in }

// Output implements telephony.Transport.
func (t *Transport) Output() pipeline.Processor { return t.out }

// SetHandlers implements telephony.Transport.
func (t *Transport) SetHandlers(h telephony.EventHandlers) {
	t.handlers = h
}

// Connect implements telephony.Transport. It dials the gateway, sends the
// join message, and starts the socket read loop.
func (t *Transport) Connect(ctx context.Context) error {
	headers := http.Header{}
	if t.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	conn, _, err := websocket.Dial(ctx, t.cfg.RoomURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("room: dial %s: %w", t.cfg.RoomURL, err)
	}
	// Media frames arrive every 20 ms; lift the default read limit.
	conn.SetReadLimit(1 << 20)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if err := t.sendSignal(ctx, signalMessage{
		Type:    msgJoin,
		Token:   t.cfg.Token,
		BotName: t.cfg.BotName,
	}); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return fmt.Errorf("room: join: %w", err)
	}

	go t.readLoop(ctx)
	return nil
}

// StartDialout implements telephony.Transport.
func (t *Transport) StartDialout(ctx context.Context, target telephony.DialoutTarget) error {
	if target.PhoneNumber == "" {
		return errors.New("room: dialout: phone number must not be empty")
	}
	return t.sendSignal(ctx, signalMessage{Type: msgDialout, PhoneNumber: target.PhoneNumber})
}

// SIPCallTransfer implements telephony.Transport.
func (t *Transport) SIPCallTransfer(ctx context.Context, target telephony.TransferTarget) error {
	if target.ToEndPoint == "" {
		return errors.New("room: transfer: endpoint must not be empty")
	}
	if err := t.sendSignal(ctx, signalMessage{Type: msgSIPTransfer, ToEndPoint: target.ToEndPoint}); err != nil {
		return fmt.Errorf("room: transfer to %s: %w", target.ToEndPoint, err)
	}
	return nil
}

// CaptureParticipantTranscription implements telephony.Transport.
func (t *Transport) CaptureParticipantTranscription(participantID string) error {
	t.mu.Lock()
	_, known := t.participants[participantID]
	t.mu.Unlock()
	if !known {
		return fmt.Errorf("room: capture %q: %w", participantID, telephony.ErrUnknownParticipant)
	}
	return t.sendSignal(context.Background(), signalMessage{
		Type:          msgCaptureTranscription,
		ParticipantID: participantID,
	})
}

// DeleteRecording implements telephony.Transport.
func (t *Transport) DeleteRecording(ctx context.Context) error {
	return t.sendSignal(ctx, signalMessage{Type: msgDeleteRecording})
}

// Close implements telephony.Transport.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
		<-t.readDone
	}
	return nil
}

// sendSignal marshals and writes one signaling message.
func (t *Transport) sendSignal(ctx context.Context, msg signalMessage) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		return errors.New("room: transport is not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("room: marshal %s: %w", msg.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("room: write %s: %w", msg.Type, err)
	}
	return nil
}

// sendMedia writes one binary Opus packet.
func (t *Transport) sendMedia(ctx context.Context, packet []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		return errors.New("room: transport is not connected")
	}
	return conn.Write(ctx, websocket.MessageBinary, packet)
}

// readLoop receives gateway messages until the socket closes: text messages
// become events, binary messages become pipeline audio frames.
func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.readDone)
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed && t.handlers.OnClientDisconnected != nil {
				t.handlers.OnClientDisconnected(ctx)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			t.in.deliver(data)
		case websocket.MessageText:
			t.dispatchSignal(ctx, data)
		}
	}
}

// dispatchSignal routes one gateway event to the registered handlers.
func (t *Transport) dispatchSignal(ctx context.Context, data []byte) {
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("room: unparseable signal message", "err", err)
		return
	}

	switch msg.Type {
	case msgJoined:
		if t.handlers.OnJoined != nil {
			t.handlers.OnJoined(ctx)
		}

	case msgParticipantJoined:
		p := telephony.Participant{ID: msg.ParticipantID, Name: msg.ParticipantName}
		t.mu.Lock()
		t.participants[p.ID] = p
		first := !t.sawFirst
		t.sawFirst = true
		t.mu.Unlock()
		if first && t.handlers.OnFirstParticipantJoined != nil {
			t.handlers.OnFirstParticipantJoined(ctx, p)
		}

	case msgParticipantLeft:
		t.mu.Lock()
		p := t.participants[msg.ParticipantID]
		delete(t.participants, msg.ParticipantID)
		t.mu.Unlock()
		if p.ID == "" {
			p.ID = msg.ParticipantID
		}
		if t.handlers.OnParticipantLeft != nil {
			t.handlers.OnParticipantLeft(ctx, p, msg.Reason)
		}

	case msgClientDisconnected:
		if t.handlers.OnClientDisconnected != nil {
			t.handlers.OnClientDisconnected(ctx)
		}

	case msgDialoutAnswered:
		p := telephony.Participant{ID: msg.ParticipantID, Name: msg.ParticipantName}
		t.mu.Lock()
		if p.ID != "" {
			t.participants[p.ID] = p
		}
		t.mu.Unlock()
		if t.handlers.OnDialoutAnswered != nil {
			t.handlers.OnDialoutAnswered(ctx, p)
		}

	case msgDialoutStopped:
		if t.handlers.OnDialoutStopped != nil {
			t.handlers.OnDialoutStopped(ctx)
		}

	case msgDialoutError:
		if t.handlers.OnDialoutError != nil {
			t.handlers.OnDialoutError(ctx, errors.New(msg.Error))
		}

	case msgDialinError:
		if t.handlers.OnDialinError != nil {
			t.handlers.OnDialinError(ctx, errors.New(msg.Error))
		}

	default:
		slog.Debug("room: ignoring signal message", "type", msg.Type)
	}
}

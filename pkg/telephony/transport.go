// Package telephony defines the transport abstraction for room-based call
// media with SIP dial-out and transfer.
//
// A Transport owns the two pipeline edges of a call session: Input is the
// processor that sources caller audio into the pipeline, Output is the
// processor that sinks synthesized speech and DTMF back onto the call.
// Everything else — dialing, transfers, participant lifecycle — surfaces as
// typed event callbacks registered by the session orchestrator.
package telephony

import (
	"context"
	"errors"

	"github.com/MrWong99/vocata/pkg/pipeline"
)

// ErrUnknownParticipant is returned when an operation names a participant the
// transport has never seen.
var ErrUnknownParticipant = errors.New("telephony: unknown participant")

// DialoutTarget identifies the callee of an outbound call.
type DialoutTarget struct {
	// PhoneNumber is the E.164 number to dial (e.g., "+15551234567").
	PhoneNumber string
}

// TransferTarget identifies the destination of a SIP call transfer.
type TransferTarget struct {
	// ToEndPoint is the SIP endpoint receiving the call
	// (e.g., "sip:staff@clinic.example.com").
	ToEndPoint string
}

// Participant describes a remote party on the call.
type Participant struct {
	// ID is the transport-assigned participant identifier.
	ID string

	// Name is the display name, when the transport knows one.
	Name string
}

// EventHandlers carries the callbacks a session registers on a Transport.
// Nil fields are simply not invoked. Callbacks run on the transport's event
// goroutine and must not block; long work belongs in the session's own
// goroutines.
type EventHandlers struct {
	// OnJoined fires once the bot itself has joined the room.
	OnJoined func(ctx context.Context)

	// OnFirstParticipantJoined fires when the first remote participant joins.
	// For dial-in calls this is the caller; the session starts its initial
	// node here.
	OnFirstParticipantJoined func(ctx context.Context, p Participant)

	// OnParticipantLeft fires when a remote participant leaves.
	OnParticipantLeft func(ctx context.Context, p Participant, reason string)

	// OnClientDisconnected fires when the remote client drops the connection.
	OnClientDisconnected func(ctx context.Context)

	// OnDialinError fires when an inbound call fails to establish.
	OnDialinError func(ctx context.Context, err error)

	// OnDialoutAnswered fires when an outbound call (or a transfer) is
	// answered. The session marks itself connected and stops dial retries.
	OnDialoutAnswered func(ctx context.Context, p Participant)

	// OnDialoutStopped fires when an outbound call ends normally.
	OnDialoutStopped func(ctx context.Context)

	// OnDialoutError fires when an outbound dial attempt fails. The session's
	// retry policy decides whether to dial again.
	OnDialoutError func(ctx context.Context, err error)
}

// Transport is the abstraction over a room-based call media vendor.
//
// Implementations must be safe for concurrent use. Event callbacks are
// registered once, before Connect.
type Transport interface {
	// Input returns the pipeline processor that sources caller audio frames.
	// Placed first in the session pipeline.
	Input() pipeline.Processor

	// Output returns the pipeline processor that sinks synthesized audio and
	// DTMF presses onto the call. Placed last in the session pipeline.
	Output() pipeline.Processor

	// SetHandlers registers the session's event callbacks. Must be called
	// before Connect.
	SetHandlers(h EventHandlers)

	// Connect joins the room and starts the media and event loops.
	Connect(ctx context.Context) error

	// StartDialout places an outbound call to target. The outcome arrives as
	// OnDialoutAnswered or OnDialoutError.
	StartDialout(ctx context.Context, target DialoutTarget) error

	// SIPCallTransfer transfers the live call to target. A non-nil error means
	// the transfer was rejected; success is signalled via OnDialoutAnswered.
	SIPCallTransfer(ctx context.Context, target TransferTarget) error

	// CaptureParticipantTranscription subscribes the transport to the named
	// participant's audio so it reaches the Input processor. Returns an error
	// wrapping [ErrUnknownParticipant] for unknown ids.
	CaptureParticipantTranscription(participantID string) error

	// DeleteRecording removes the vendor-side media recording of this call.
	// Part of session cleanup; a no-op when the vendor keeps no recording.
	DeleteRecording(ctx context.Context) error

	// Close leaves the room and releases all transport resources. Idempotent.
	Close(ctx context.Context) error
}

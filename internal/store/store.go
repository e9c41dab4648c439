// Package store persists call sessions and patient records in PostgreSQL and
// keeps a pgvector index of finished transcripts so staff can search past
// calls by meaning.
//
// The [SessionStore] and [PatientStore] interfaces are what the session
// orchestrator and the flow engine consume; [Postgres] implements both over a
// shared pgx pool, and [Mem] provides an in-memory implementation for tests
// and local mode.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/internal/transcript"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("store: not found")

// Status is the lifecycle state of a persisted call session.
type Status string

// Session lifecycle states.
const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
	StatusVoicemail  Status = "voicemail"
)

// SessionRecord is the persisted shape of one call session.
type SessionRecord struct {
	SessionID      string
	PatientID      string
	OrganizationID string
	Status         Status
	Workflow       string
	CallType       string
	RoomURL        string

	// CallStatus carries terminal dispositions beyond Status, e.g.
	// "Transferred". Empty for ordinary completions.
	CallStatus string

	// Error holds the failure description when Status is failed.
	Error string

	Transcript *transcript.Assembled
	Usage      *observe.UsageSummary

	CreatedAt   time.Time
	CompletedAt time.Time
}

// SessionStore persists call sessions. All operations are atomic against the
// backing store; the orchestrator's transcript-saved latch guarantees
// SaveTranscript is called at most once per session.
type SessionStore interface {
	// Create inserts a new session record with status starting.
	Create(ctx context.Context, rec SessionRecord) error

	// UpdateStatus moves the session to status. Terminal statuses also set
	// completed_at.
	UpdateStatus(ctx context.Context, sessionID string, status Status) error

	// SaveTranscript stores the assembled transcript.
	SaveTranscript(ctx context.Context, sessionID string, t transcript.Assembled) error

	// SaveUsage stores the usage summary and total cost.
	SaveUsage(ctx context.Context, sessionID string, u observe.UsageSummary) error

	// SetCallStatus records a terminal disposition such as "Transferred".
	SetCallStatus(ctx context.Context, sessionID, callStatus string) error

	// SetError records the failure description.
	SetError(ctx context.Context, sessionID, message string) error

	// SetPatient links the session to a patient identified during the call.
	SetPatient(ctx context.Context, sessionID, patientID string) error

	// Get returns the session or an error wrapping [ErrNotFound].
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)
}

// Patient is one patient record scoped to an organization.
type Patient struct {
	ID             string
	OrganizationID string
	FirstName      string
	LastName       string

	// Phone is stored as bare digits (no punctuation, no country prefix
	// normalization beyond digit extraction).
	Phone string

	// DateOfBirth is an ISO date string (YYYY-MM-DD). Empty when unknown.
	DateOfBirth string

	// Fields carries workflow-populated attributes: appointment slot,
	// reference numbers, insurance data.
	Fields map[string]string
}

// FullName returns "First Last" with whatever parts are present.
func (p *Patient) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	default:
		return p.FirstName + " " + p.LastName
	}
}

// PatientStore looks up and updates patient records.
type PatientStore interface {
	// Get returns the patient or an error wrapping [ErrNotFound].
	Get(ctx context.Context, id string) (*Patient, error)

	// FindByPhone returns the patient with the given digit-normalized phone
	// within the organization, or an error wrapping [ErrNotFound]. A number
	// with a leading country code matches its 10-digit suffix.
	FindByPhone(ctx context.Context, organizationID, phoneDigits string) (*Patient, error)

	// UpdateFields merges fields into the patient's attribute map.
	UpdateFields(ctx context.Context, id string, fields map[string]string) error
}

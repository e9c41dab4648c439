package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/internal/transcript"
)

// Compile-time interface checks.
//
// SessionStore and PatientStore both define a method named Get with different
// signatures, so a single struct cannot implement both. Mem exposes them as
// sub-views via [Mem.Sessions] and [Mem.Patients], mirroring [Postgres].
var (
	_ SessionStore = (*MemSessionStore)(nil)
	_ PatientStore = (*MemPatientStore)(nil)
)

// Mem is an in-memory store for tests and local mode. Safe for concurrent use.
type Mem struct {
	mu       sync.Mutex
	sessions map[string]*SessionRecord
	patients map[string]*Patient

	// transcriptSaves counts SaveTranscript calls per session, letting tests
	// assert the at-most-once persistence invariant.
	transcriptSaves map[string]int

	sessionView *MemSessionStore
	patientView *MemPatientStore
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	m := &Mem{
		sessions:        make(map[string]*SessionRecord),
		patients:        make(map[string]*Patient),
		transcriptSaves: make(map[string]int),
	}
	m.sessionView = &MemSessionStore{m: m}
	m.patientView = &MemPatientStore{m: m}
	return m
}

// Sessions returns the [SessionStore] view.
func (m *Mem) Sessions() *MemSessionStore { return m.sessionView }

// Patients returns the [PatientStore] view.
func (m *Mem) Patients() *MemPatientStore { return m.patientView }

// AddPatient seeds a patient record. The phone is digit-normalized.
func (m *Mem) AddPatient(p Patient) {
	if p.Fields == nil {
		p.Fields = map[string]string{}
	}
	p.Phone = NormalizePhone(p.Phone)
	m.mu.Lock()
	m.patients[p.ID] = &p
	m.mu.Unlock()
}

// TranscriptSaves returns how many times the session's transcript was saved.
func (m *Mem) TranscriptSaves(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcriptSaves[sessionID]
}

// session returns the record or an ErrNotFound-wrapping error. Callers hold m.mu.
func (m *Mem) session(sessionID string) (*SessionRecord, error) {
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("store: session %q: %w", sessionID, ErrNotFound)
	}
	return rec, nil
}

// MemSessionStore is the [SessionStore] view of a [Mem].
type MemSessionStore struct {
	m *Mem
}

// Create implements [SessionStore].
func (s *MemSessionStore) Create(_ context.Context, rec SessionRecord) error {
	if rec.Status == "" {
		rec.Status = StatusStarting
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, exists := s.m.sessions[rec.SessionID]; exists {
		return fmt.Errorf("store: session %q already exists", rec.SessionID)
	}
	s.m.sessions[rec.SessionID] = &rec
	return nil
}

// UpdateStatus implements [SessionStore].
func (s *MemSessionStore) UpdateStatus(_ context.Context, sessionID string, status Status) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, err := s.m.session(sessionID)
	if err != nil {
		return err
	}
	rec.Status = status
	if terminalStatuses[status] {
		rec.CompletedAt = time.Now()
	}
	return nil
}

// SaveTranscript implements [SessionStore].
func (s *MemSessionStore) SaveTranscript(_ context.Context, sessionID string, t transcript.Assembled) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, err := s.m.session(sessionID)
	if err != nil {
		return err
	}
	rec.Transcript = &t
	s.m.transcriptSaves[sessionID]++
	return nil
}

// SaveUsage implements [SessionStore].
func (s *MemSessionStore) SaveUsage(_ context.Context, sessionID string, u observe.UsageSummary) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, err := s.m.session(sessionID)
	if err != nil {
		return err
	}
	rec.Usage = &u
	return nil
}

// SetCallStatus implements [SessionStore].
func (s *MemSessionStore) SetCallStatus(_ context.Context, sessionID, callStatus string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, err := s.m.session(sessionID)
	if err != nil {
		return err
	}
	rec.CallStatus = callStatus
	return nil
}

// SetError implements [SessionStore].
func (s *MemSessionStore) SetError(_ context.Context, sessionID, message string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, err := s.m.session(sessionID)
	if err != nil {
		return err
	}
	rec.Error = message
	return nil
}

// SetPatient implements [SessionStore].
func (s *MemSessionStore) SetPatient(_ context.Context, sessionID, patientID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, err := s.m.session(sessionID)
	if err != nil {
		return err
	}
	rec.PatientID = patientID
	return nil
}

// Get implements [SessionStore].
func (s *MemSessionStore) Get(_ context.Context, sessionID string) (*SessionRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, err := s.m.session(sessionID)
	if err != nil {
		return nil, err
	}
	out := *rec
	return &out, nil
}

// MemPatientStore is the [PatientStore] view of a [Mem].
type MemPatientStore struct {
	m *Mem
}

// Get implements [PatientStore].
func (s *MemPatientStore) Get(_ context.Context, id string) (*Patient, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.patients[id]
	if !ok {
		return nil, fmt.Errorf("store: patient %q: %w", id, ErrNotFound)
	}
	out := clonePatient(p)
	return &out, nil
}

// FindByPhone implements [PatientStore].
func (s *MemPatientStore) FindByPhone(_ context.Context, organizationID, phoneDigits string) (*Patient, error) {
	digits := NormalizePhone(phoneDigits)
	short := digits
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		short = digits[1:]
	}

	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, p := range s.m.patients {
		if p.OrganizationID != organizationID {
			continue
		}
		if p.Phone == digits || p.Phone == short {
			out := clonePatient(p)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("store: patient phone %q: %w", digits, ErrNotFound)
}

// UpdateFields implements [PatientStore].
func (s *MemPatientStore) UpdateFields(_ context.Context, id string, fields map[string]string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.patients[id]
	if !ok {
		return fmt.Errorf("store: patient %q: %w", id, ErrNotFound)
	}
	for k, v := range fields {
		p.Fields[k] = v
	}
	return nil
}

func clonePatient(p *Patient) Patient {
	out := *p
	out.Fields = make(map[string]string, len(p.Fields))
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	return out
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/vocata/internal/transcript"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"(555) 123-4567", "5551234567"},
		{"+1 555 123 4567", "15551234567"},
		{"555.123.4567", "5551234567"},
		{"no digits", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMemSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	sessions := m.Sessions()

	if err := sessions.Create(ctx, SessionRecord{SessionID: "s1", OrganizationID: "org"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sessions.Create(ctx, SessionRecord{SessionID: "s1"}); err == nil {
		t.Fatal("duplicate Create must fail")
	}

	rec, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusStarting || rec.CreatedAt.IsZero() {
		t.Errorf("defaults not applied: %+v", rec)
	}

	if err := sessions.UpdateStatus(ctx, "s1", StatusRunning); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	rec, _ = sessions.Get(ctx, "s1")
	if !rec.CompletedAt.IsZero() {
		t.Error("running must not stamp completed_at")
	}

	if err := sessions.UpdateStatus(ctx, "s1", StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	rec, _ = sessions.Get(ctx, "s1")
	if rec.Status != StatusCompleted || rec.CompletedAt.IsZero() {
		t.Errorf("terminal status must stamp completed_at: %+v", rec)
	}
}

func TestMemSessionNotFound(t *testing.T) {
	ctx := context.Background()
	sessions := NewMem().Sessions()

	if _, err := sessions.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
	if err := sessions.UpdateStatus(ctx, "missing", StatusRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus error = %v, want ErrNotFound", err)
	}
	if err := sessions.SetError(ctx, "missing", "boom"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetError error = %v, want ErrNotFound", err)
	}
}

func TestMemTranscriptSaves(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	sessions := m.Sessions()
	sessions.Create(ctx, SessionRecord{SessionID: "s1"})

	asm := transcript.Assembled{MessageCount: 2, RawMessageCount: 3, ConversationDuration: time.Minute}
	if err := sessions.SaveTranscript(ctx, "s1", asm); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	if got := m.TranscriptSaves("s1"); got != 1 {
		t.Errorf("TranscriptSaves = %d, want 1", got)
	}

	rec, _ := sessions.Get(ctx, "s1")
	if rec.Transcript == nil || rec.Transcript.MessageCount != 2 {
		t.Errorf("transcript not stored: %+v", rec.Transcript)
	}
}

func TestMemSessionFields(t *testing.T) {
	ctx := context.Background()
	sessions := NewMem().Sessions()
	sessions.Create(ctx, SessionRecord{SessionID: "s1"})

	sessions.SetCallStatus(ctx, "s1", "Transferred")
	sessions.SetError(ctx, "s1", "dialout failed")
	sessions.SetPatient(ctx, "s1", "p42")

	rec, _ := sessions.Get(ctx, "s1")
	if rec.CallStatus != "Transferred" || rec.Error != "dialout failed" || rec.PatientID != "p42" {
		t.Errorf("record = %+v", rec)
	}
}

func TestMemPatientFindByPhone(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	m.AddPatient(Patient{ID: "p1", OrganizationID: "org", FirstName: "Maria", LastName: "Santos", Phone: "(555) 123-4567"})
	patients := m.Patients()

	tests := []struct {
		name, org, phone string
		wantID           string
		wantErr          bool
	}{
		{"exact digits", "org", "5551234567", "p1", false},
		{"formatted", "org", "555-123-4567", "p1", false},
		{"country prefix", "org", "+1 (555) 123-4567", "p1", false},
		{"wrong org", "other", "5551234567", "", true},
		{"unknown number", "org", "5550000000", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := patients.FindByPhone(ctx, tt.org, tt.phone)
			if tt.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("err = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FindByPhone: %v", err)
			}
			if p.ID != tt.wantID {
				t.Errorf("patient = %q, want %q", p.ID, tt.wantID)
			}
		})
	}
}

func TestMemPatientUpdateFields(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	m.AddPatient(Patient{ID: "p1", OrganizationID: "org", Fields: map[string]string{"slot": "old"}})
	patients := m.Patients()

	if err := patients.UpdateFields(ctx, "p1", map[string]string{"slot": "Tue 10am", "ref": "A12"}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	p, err := patients.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Fields["slot"] != "Tue 10am" || p.Fields["ref"] != "A12" {
		t.Errorf("fields = %v", p.Fields)
	}

	// Mutating the returned copy must not leak into the store.
	p.Fields["slot"] = "mutated"
	p2, _ := patients.Get(ctx, "p1")
	if p2.Fields["slot"] != "Tue 10am" {
		t.Error("Get must return a defensive copy")
	}
}

func TestPatientFullName(t *testing.T) {
	tests := []struct {
		first, last, want string
	}{
		{"Maria", "Santos", "Maria Santos"},
		{"Maria", "", "Maria"},
		{"", "Santos", "Santos"},
		{"", "", ""},
	}
	for _, tt := range tests {
		p := &Patient{FirstName: tt.first, LastName: tt.last}
		if got := p.FullName(); got != tt.want {
			t.Errorf("FullName(%q, %q) = %q, want %q", tt.first, tt.last, got, tt.want)
		}
	}
}

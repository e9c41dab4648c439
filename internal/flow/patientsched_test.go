package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/vocata/internal/config"
	"github.com/MrWong99/vocata/internal/llmctx"
	"github.com/MrWong99/vocata/internal/store"
	telmock "github.com/MrWong99/vocata/pkg/telephony/mock"
	"github.com/MrWong99/vocata/pkg/types"
)

func newSchedulingFixture(t *testing.T, patient *store.Patient) (*PatientScheduling, *Manager, *framePusherStub, *store.Mem, *telmock.Transport) {
	t.Helper()
	mem := store.NewMem()
	mem.AddPatient(store.Patient{
		ID:             "p1",
		OrganizationID: "org",
		FirstName:      "Maria",
		LastName:       "Santos",
		Phone:          "5165667132",
		DateOfBirth:    "1985-03-15",
	})
	transport := telmock.New()

	pusher := &framePusherStub{}
	m := NewManager(ManagerConfig{
		Pusher:         pusher,
		Context:        llmctx.NewContext(""),
		Transport:      transport,
		Patients:       mem.Patients(),
		Transfer:       config.ColdTransferConfig{StaffNumber: "sip:staff@clinic.example"},
		OrganizationID: "org",
	})

	f := NewPatientScheduling(m, PatientSchedulingConfig{
		Patient: patient,
		Slots: []string{
			"Tuesday, March 3 at 10:00 AM",
			"Wednesday, March 4 at 2:30 PM",
		},
		ClinicName: "Lakeside Clinic",
		CallData:   map[string]string{"callback_number": "555-0100"},
	})
	m.SetFlow(f)
	return f, m, pusher, mem, transport
}

func callTool(t *testing.T, m *Manager, name string, args map[string]any) string {
	t.Helper()
	result, err := m.HandleToolCall(context.Background(), types.ToolCall{
		ID:        "call-" + name,
		Name:      name,
		Arguments: mustArgs(t, args),
	})
	if err != nil {
		t.Fatalf("tool %s: %v", name, err)
	}
	return result
}

func TestDialInVerificationSecondAttemptSucceeds(t *testing.T) {
	f, m, _, _, transport := newSchedulingFixture(t, nil)

	if err := m.Initialize(context.Background(), f.InitialNode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if m.CurrentNode() != "collect_phone" {
		t.Fatalf("entry node = %q", m.CurrentNode())
	}

	callTool(t, m, "submit_phone", map[string]any{"phone": "5165667132", "name": "Maria"})
	if m.CurrentNode() != "collect_dob" {
		t.Fatalf("after phone node = %q", m.CurrentNode())
	}

	// Attempt 1: wrong DOB routes to the not-found node.
	callTool(t, m, "submit_dob", map[string]any{"date_of_birth": "March 16, 1985"})
	if m.CurrentNode() != "patient_not_found" {
		t.Fatalf("after mismatch node = %q", m.CurrentNode())
	}
	if m.State().Int(KeyLookupAttempts) != 1 {
		t.Errorf("lookup_attempts = %d", m.State().Int(KeyLookupAttempts))
	}

	// Attempt 2: corrected DOB verifies identity.
	callTool(t, m, "submit_dob", map[string]any{"date_of_birth": "March 15, 1985"})
	if !m.State().Bool(KeyIdentityVerified) {
		t.Fatal("identity_verified not set")
	}
	if m.CurrentNode() != "scheduling" {
		t.Errorf("post-verification node = %q", m.CurrentNode())
	}
	if len(transport.TransferCalls) != 0 {
		t.Errorf("no transfer expected, got %+v", transport.TransferCalls)
	}
}

func TestDialInVerificationTwoFailuresTransfers(t *testing.T) {
	f, m, pusher, _, transport := newSchedulingFixture(t, nil)

	if err := m.Initialize(context.Background(), f.InitialNode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	callTool(t, m, "submit_phone", map[string]any{"phone": "5165667132"})
	callTool(t, m, "submit_dob", map[string]any{"date_of_birth": "January 1, 1990"})
	callTool(t, m, "submit_dob", map[string]any{"date_of_birth": "January 2, 1990"})

	if len(transport.TransferCalls) != 1 {
		t.Fatalf("transfer calls = %+v", transport.TransferCalls)
	}
	if m.State().String(KeyRoutedTo) != "staff" {
		t.Errorf("routed_to = %q", m.State().String(KeyRoutedTo))
	}
	if m.State().Bool(KeyIdentityVerified) {
		t.Error("identity must not be verified")
	}

	var spokeHandover bool
	for _, line := range pusher.spoken() {
		if strings.Contains(line, "connect you") {
			spokeHandover = true
		}
	}
	if !spokeHandover {
		t.Errorf("handover line not spoken: %v", pusher.spoken())
	}
}

func TestDialInUnknownPhoneCountsAttempt(t *testing.T) {
	f, m, _, _, _ := newSchedulingFixture(t, nil)
	if err := m.Initialize(context.Background(), f.InitialNode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result := callTool(t, m, "submit_phone", map[string]any{"phone": "5550000000"})
	if !strings.Contains(result, "No record") {
		t.Errorf("result = %q", result)
	}
	if m.State().Int(KeyLookupAttempts) != 1 {
		t.Errorf("lookup_attempts = %d", m.State().Int(KeyLookupAttempts))
	}
	if m.CurrentNode() != "patient_not_found" {
		t.Errorf("node = %q", m.CurrentNode())
	}
}

func TestDialOutBookingFlow(t *testing.T) {
	patient := &store.Patient{ID: "p1", OrganizationID: "org", FirstName: "David", LastName: "Chen"}
	f, m, pusher, mem, _ := newSchedulingFixture(t, patient)

	if err := m.Initialize(context.Background(), f.GreetingNode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	callTool(t, m, "set_returning_patient", nil)
	if m.State().String("appointment_type") != "Returning Patient" {
		t.Fatalf("appointment_type = %q", m.State().String("appointment_type"))
	}
	if m.CurrentNode() != "scheduling" {
		t.Fatalf("node = %q", m.CurrentNode())
	}

	// An off-list slot is rejected and the list re-offered.
	result := callTool(t, m, "select_slot", map[string]any{"date": "March 9", "time": "9:00 AM"})
	if !strings.Contains(result, "not available") {
		t.Errorf("off-list result = %q", result)
	}
	if m.CurrentNode() != "scheduling" {
		t.Errorf("node = %q", m.CurrentNode())
	}

	callTool(t, m, "select_slot", map[string]any{"date": "March 3", "time": "10:00 AM"})
	if m.CurrentNode() != "collect_info" {
		t.Fatalf("node = %q", m.CurrentNode())
	}

	callTool(t, m, "submit_contact_info", map[string]any{"callback_number": "555-123-4567"})
	if m.CurrentNode() != "confirmation" {
		t.Fatalf("node = %q", m.CurrentNode())
	}

	callTool(t, m, "confirm_appointment", nil)
	if m.CurrentNode() != "end" {
		t.Fatalf("node = %q", m.CurrentNode())
	}
	if !m.State().CallEnded() {
		t.Error("call not ended")
	}

	p, err := mem.Patients().Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get patient: %v", err)
	}
	if p.Fields["appointment_date"] != "March 3" ||
		p.Fields["appointment_time"] != "10:00 AM" ||
		p.Fields["appointment_type"] != "Returning Patient" {
		t.Errorf("patient fields = %v", p.Fields)
	}

	var farewell bool
	for _, line := range pusher.spoken() {
		if strings.Contains(line, "all set") {
			farewell = true
		}
	}
	if !farewell {
		t.Errorf("farewell not spoken: %v", pusher.spoken())
	}
}

func TestConfirmAfterCallEndedIsNoop(t *testing.T) {
	patient := &store.Patient{ID: "p1", OrganizationID: "org"}
	f, m, _, mem, _ := newSchedulingFixture(t, patient)

	if err := m.Initialize(context.Background(), f.confirmationNode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.State().EndCall()

	result := callTool(t, m, "confirm_appointment", nil)
	if result != "ok" {
		t.Errorf("result = %q", result)
	}
	p, _ := mem.Patients().Get(context.Background(), "p1")
	if len(p.Fields) != 0 {
		t.Errorf("no fields must be written after end latch: %v", p.Fields)
	}
}

func TestConfirmIncompleteDataPushesBack(t *testing.T) {
	patient := &store.Patient{ID: "p1", OrganizationID: "org"}
	f, m, _, _, _ := newSchedulingFixture(t, patient)

	if err := m.Initialize(context.Background(), f.confirmationNode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result := callTool(t, m, "confirm_appointment", nil)
	if !strings.Contains(result, "missing") {
		t.Errorf("result = %q", result)
	}
	if m.CurrentNode() != "collect_info" {
		t.Errorf("node = %q", m.CurrentNode())
	}
}

func TestRequestStaffTransfers(t *testing.T) {
	f, m, _, _, transport := newSchedulingFixture(t, &store.Patient{ID: "p1", OrganizationID: "org"})

	if err := m.Initialize(context.Background(), f.schedulingNode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	callTool(t, m, "request_staff", nil)
	if len(transport.TransferCalls) != 1 {
		t.Errorf("transfer calls = %+v", transport.TransferCalls)
	}
}

func TestHandoffEntryNode(t *testing.T) {
	f, m, _, _, _ := newSchedulingFixture(t, nil)

	if got := f.HandoffEntryNode().Name; got != "collect_phone" {
		t.Errorf("unverified handoff entry = %q", got)
	}
	m.State().Set(KeyIdentityVerified, true)
	if got := f.HandoffEntryNode().Name; got != "scheduling" {
		t.Errorf("verified handoff entry = %q", got)
	}
}

func TestTriageSettingsRendered(t *testing.T) {
	patient := &store.Patient{ID: "p1", FirstName: "David", LastName: "Chen"}
	f, _, _, _, _ := newSchedulingFixture(t, patient)

	ts := f.TriageSettings()
	if !strings.Contains(ts.NavigationGoal, "David Chen") {
		t.Errorf("goal = %q", ts.NavigationGoal)
	}
	if !strings.Contains(ts.NavigationGoal, "555-0100") {
		t.Errorf("goal = %q", ts.NavigationGoal)
	}
	if !strings.Contains(ts.VoicemailMessage, "Lakeside Clinic") {
		t.Errorf("voicemail = %q", ts.VoicemailMessage)
	}
}

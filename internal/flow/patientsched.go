package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/vocata/internal/ivr"
	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/internal/store"
	"github.com/MrWong99/vocata/pkg/types"
)

// schedulingRequiredFields must all be present in state before a booking can
// be confirmed.
var schedulingRequiredFields = []string{
	"appointment_date",
	"appointment_time",
	"appointment_type",
}

// PatientSchedulingConfig parameterizes one scheduling call.
type PatientSchedulingConfig struct {
	// Patient is the known callee on dial-out calls. Nil on dial-in; the
	// verification nodes fill it in.
	Patient *store.Patient

	// CallData carries the opaque per-call fields from the start request
	// (provider name, member id, callback number). Used to render the IVR
	// navigation goal and the voicemail message.
	CallData map[string]string

	// Slots is the ordered list of offerable appointment slots.
	Slots []string

	// ClinicName is spoken in greetings and voicemail messages.
	ClinicName string
}

// PatientScheduling books, confirms, and reschedules appointments. Outbound
// calls greet a known patient; inbound calls verify the caller's identity
// first.
type PatientScheduling struct {
	m     *Manager
	cfg   PatientSchedulingConfig
	slots *SlotBook

	mu      sync.Mutex
	patient *store.Patient
}

var _ Flow = (*PatientScheduling)(nil)

// NewPatientScheduling constructs the flow on an existing manager. A handoff
// from another workflow passes the same manager so the state map survives.
func NewPatientScheduling(m *Manager, cfg PatientSchedulingConfig) *PatientScheduling {
	return &PatientScheduling{
		m:       m,
		cfg:     cfg,
		slots:   NewSlotBook(cfg.Slots),
		patient: cfg.Patient,
	}
}

// Name implements [Flow].
func (f *PatientScheduling) Name() string { return "patient_scheduling" }

// GlobalInstructions implements [Flow].
func (f *PatientScheduling) GlobalInstructions() string {
	clinic := f.cfg.ClinicName
	if clinic == "" {
		clinic = "the clinic"
	}
	return "You are a courteous scheduling assistant calling on behalf of " + clinic + ". " +
		"Speak naturally and briefly, one question at a time. Never invent appointment " +
		"availability, patient details, or medical advice. Use the provided functions to " +
		"record decisions; do not claim an action happened unless its function succeeded."
}

// TriageSettings implements [Flow].
func (f *PatientScheduling) TriageSettings() TriageSettings {
	goal := "Reach a scheduling representative or the front desk. " +
		"Calling about patient {patient_name}, callback number {callback_number}."
	return TriageSettings{
		NavigationGoal:   ivr.RenderGoal(goal, f.goalFields()),
		VoicemailMessage: f.voicemailMessage(),
	}
}

func (f *PatientScheduling) goalFields() map[string]string {
	fields := make(map[string]string, len(f.cfg.CallData)+1)
	for k, v := range f.cfg.CallData {
		fields[k] = v
	}
	if p := f.Patient(); p != nil {
		fields["patient_name"] = p.FullName()
	}
	return fields
}

func (f *PatientScheduling) voicemailMessage() string {
	clinic := f.cfg.ClinicName
	if clinic == "" {
		clinic = "our office"
	}
	msg := "Hello, this is a call from " + clinic + " regarding an upcoming appointment. " +
		"Please call us back at your convenience."
	if cb := f.cfg.CallData["callback_number"]; cb != "" {
		msg += " Our number is " + cb + "."
	}
	return msg + " Thank you, goodbye."
}

// Patient returns the verified or preloaded patient, which may be nil.
func (f *PatientScheduling) Patient() *store.Patient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patient
}

func (f *PatientScheduling) setPatient(p *store.Patient) {
	f.mu.Lock()
	f.patient = p
	f.mu.Unlock()
}

// GreetingNode implements [Flow]: the dial-out entry once a human answers.
func (f *PatientScheduling) GreetingNode() *NodeConfig {
	name := "the patient"
	if p := f.Patient(); p != nil {
		name = p.FullName()
	}
	return &NodeConfig{
		Name:     "greeting",
		Strategy: StrategyAppend,
		TaskMessages: []types.Message{{
			Role: "system",
			Content: "Greet the person who answered and confirm you are speaking with " + name + ". " +
				"Then ask whether they are a returning or a new patient and call the matching function.",
		}},
		RespondImmediately: true,
		Functions: []FunctionSchema{
			f.setPatientTypeFunction("set_returning_patient", "Returning Patient"),
			f.setPatientTypeFunction("set_new_patient", "New Patient"),
			f.wrongPersonFunction(),
		},
	}
}

// InitialNode implements [Flow]: the dial-in entry, which verifies identity
// before any scheduling happens.
func (f *PatientScheduling) InitialNode() *NodeConfig {
	return f.collectPhoneNode()
}

// HandoffEntryNode implements [Flow]. A caller already verified by another
// workflow goes straight to scheduling.
func (f *PatientScheduling) HandoffEntryNode() *NodeConfig {
	if f.m.State().Bool(KeyIdentityVerified) || f.Patient() != nil {
		return f.schedulingNode()
	}
	return f.collectPhoneNode()
}

// ─── dial-out nodes ──────────────────────────────────────────────────────────

func (f *PatientScheduling) setPatientTypeFunction(name, patientType string) FunctionSchema {
	return FunctionSchema{
		Name:        name,
		Description: "Record that the caller confirmed they are a " + strings.ToLower(patientType) + ".",
		Handler: func(ctx context.Context, m *Manager, _ map[string]any) (*Result, error) {
			m.State().Set("appointment_type", patientType)
			return &Result{Next: f.schedulingNode()}, nil
		},
	}
}

func (f *PatientScheduling) wrongPersonFunction() FunctionSchema {
	return FunctionSchema{
		Name:        "wrong_person",
		Description: "Call this when the person who answered is not the patient and cannot take the call.",
		Handler: func(ctx context.Context, m *Manager, _ map[string]any) (*Result, error) {
			return &Result{Next: f.endNode("Apologies for the confusion. We'll reach out another time. Goodbye.")}, nil
		},
	}
}

func (f *PatientScheduling) schedulingNode() *NodeConfig {
	return &NodeConfig{
		Name:     "scheduling",
		Strategy: StrategyAppend,
		TaskMessages: []types.Message{{
			Role: "system",
			Content: "Offer these appointment slots exactly as listed and ask which works: " +
				f.slots.Offer() + ". When the caller picks one, call select_slot with the date " +
				"and time they said. Do not offer anything not on the list.",
		}},
		RespondImmediately: true,
		Functions: []FunctionSchema{
			{
				Name:        "select_slot",
				Description: "Record the appointment slot the caller chose.",
				Parameters: StringParam([]string{"date", "time"}, map[string]string{
					"date": "The chosen date as the caller said it, e.g. \"March 3\".",
					"time": "The chosen time as the caller said it, e.g. \"10:00 AM\".",
				}),
				Handler: f.handleSelectSlot,
			},
			f.requestStaffFunction(),
		},
	}
}

func (f *PatientScheduling) handleSelectSlot(ctx context.Context, m *Manager, args map[string]any) (*Result, error) {
	date := StringArg(args, "date")
	timeOfDay := StringArg(args, "time")

	slot, ok := f.slots.Match(date, timeOfDay)
	if !ok {
		return &Result{
			Message: "That slot is not available. The open slots are: " + f.slots.Offer() +
				". Ask the caller to pick one of these.",
		}, nil
	}

	m.State().SetMany(map[string]any{
		"appointment_slot": slot,
		"appointment_date": date,
		"appointment_time": timeOfDay,
	})
	observe.Logger(ctx).Info("flow: slot selected", "slot", slot)
	return &Result{Next: f.collectInfoNode()}, nil
}

func (f *PatientScheduling) collectInfoNode() *NodeConfig {
	return &NodeConfig{
		Name:     "collect_info",
		Strategy: StrategyAppend,
		TaskMessages: []types.Message{{
			Role: "system",
			Content: "Collect the best callback number for the appointment and any notes the " +
				"caller wants to leave, then call submit_contact_info.",
		}},
		RespondImmediately: true,
		Functions: []FunctionSchema{
			{
				Name:        "submit_contact_info",
				Description: "Record the caller's callback number and optional notes.",
				Parameters: StringParam([]string{"callback_number"}, map[string]string{
					"callback_number": "The caller's preferred callback phone number.",
					"notes":           "Optional notes for the clinic.",
				}),
				Handler: f.handleSubmitContactInfo,
			},
			f.requestStaffFunction(),
		},
	}
}

func (f *PatientScheduling) handleSubmitContactInfo(ctx context.Context, m *Manager, args map[string]any) (*Result, error) {
	number := store.NormalizePhone(StringArg(args, "callback_number"))
	if len(number) < minPhoneDigits {
		return &Result{Message: "That phone number looks incomplete. Ask the caller to repeat it."}, nil
	}
	m.State().Set("callback_number", number)
	if notes := StringArg(args, "notes"); notes != "" {
		m.State().Set("notes", notes)
	}

	if missing := m.State().Missing(schedulingRequiredFields...); len(missing) > 0 {
		observe.Logger(ctx).Warn("flow: booking data incomplete", "missing", strings.Join(missing, ","))
		return &Result{
			Message: "Still missing: " + strings.Join(missing, ", ") + ". Collect these before confirming.",
			Next:    f.schedulingNode(),
		}, nil
	}
	return &Result{Next: f.confirmationNode()}, nil
}

func (f *PatientScheduling) confirmationNode() *NodeConfig {
	slot := f.m.State().String("appointment_slot")
	return &NodeConfig{
		Name:     "confirmation",
		Strategy: StrategyAppend,
		TaskMessages: []types.Message{{
			Role: "system",
			Content: "Read back the booking for " + slot + " and ask the caller to confirm. " +
				"On a clear yes call confirm_appointment; if they want a different slot call " +
				"change_slot.",
		}},
		RespondImmediately: true,
		Functions: []FunctionSchema{
			{
				Name:        "confirm_appointment",
				Description: "Finalize the booking after the caller confirmed.",
				Handler:     f.handleConfirmAppointment,
			},
			{
				Name:        "change_slot",
				Description: "The caller wants a different slot.",
				Handler: func(ctx context.Context, m *Manager, _ map[string]any) (*Result, error) {
					return &Result{Next: f.schedulingNode()}, nil
				},
			},
		},
	}
}

func (f *PatientScheduling) handleConfirmAppointment(ctx context.Context, m *Manager, _ map[string]any) (*Result, error) {
	if m.State().CallEnded() {
		return nil, nil
	}
	if missing := m.State().Missing(schedulingRequiredFields...); len(missing) > 0 {
		return &Result{
			Message: "Cannot confirm yet, still missing: " + strings.Join(missing, ", ") + ".",
			Next:    f.collectInfoNode(),
		}, nil
	}

	if err := f.persistBooking(ctx, m); err != nil {
		observe.Logger(ctx).Error("flow: persist booking failed", "err", err)
		return &Result{
			Message: "Recording the appointment failed. Apologize and offer to have staff call back.",
		}, nil
	}

	return &Result{Next: f.endNode("You're all set. We look forward to seeing you. Goodbye!")}, nil
}

// persistBooking writes the collected appointment fields onto the patient
// record.
func (f *PatientScheduling) persistBooking(ctx context.Context, m *Manager) error {
	p := f.Patient()
	if p == nil || m.Patients() == nil {
		// Nothing durable to attach the booking to; the transcript still
		// records it.
		return nil
	}
	state := m.State()
	fields := map[string]string{
		"appointment_date": state.String("appointment_date"),
		"appointment_time": state.String("appointment_time"),
		"appointment_type": state.String("appointment_type"),
	}
	if slot := state.String("appointment_slot"); slot != "" {
		fields["appointment_slot"] = slot
	}
	if cb := state.String("callback_number"); cb != "" {
		fields["callback_number"] = cb
	}
	if err := m.Patients().UpdateFields(ctx, p.ID, fields); err != nil {
		return fmt.Errorf("flow: update patient %s: %w", p.ID, err)
	}
	return nil
}

// ─── dial-in verification nodes ──────────────────────────────────────────────

func (f *PatientScheduling) collectPhoneNode() *NodeConfig {
	return &NodeConfig{
		Name:     "collect_phone",
		Strategy: StrategyAppend,
		TaskMessages: []types.Message{{
			Role: "system",
			Content: "Thank the caller for calling, ask for their name and the phone number on " +
				"file, then call submit_phone. Do not discuss appointments before verification.",
		}},
		RespondImmediately: true,
		Functions: []FunctionSchema{
			{
				Name:        "submit_phone",
				Description: "Look up the caller by the phone number they stated.",
				Parameters: StringParam([]string{"phone"}, map[string]string{
					"phone": "The phone number the caller stated.",
					"name":  "The name the caller gave, if any.",
				}),
				Handler: f.handleSubmitPhone,
			},
			f.requestStaffFunction(),
		},
	}
}

func (f *PatientScheduling) handleSubmitPhone(ctx context.Context, m *Manager, args map[string]any) (*Result, error) {
	if name := StringArg(args, "name"); name != "" {
		m.State().Set(KeyCallerStatedName, name)
	}
	if m.Patients() == nil {
		return nil, errors.New("flow: no patient store configured for verification")
	}

	verifier := NewVerifier(m.Patients(), m.OrganizationID())
	p, err := verifier.LookupByPhone(ctx, StringArg(args, "phone"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return f.failedAttempt(ctx, m, "No record matches that phone number.")
		}
		return &Result{Message: "That phone number looks incomplete. Ask the caller to repeat it."}, nil
	}

	if stated := m.State().String(KeyCallerStatedName); stated != "" && !NameMatches(stated, p.FullName()) {
		observe.Logger(ctx).Info("flow: stated name does not match record",
			"stated", stated, "patient", p.ID)
	}

	f.setPatient(p)
	return &Result{Next: f.collectDOBNode()}, nil
}

func (f *PatientScheduling) collectDOBNode() *NodeConfig {
	return &NodeConfig{
		Name:     "collect_dob",
		Strategy: StrategyAppend,
		TaskMessages: []types.Message{{
			Role:    "system",
			Content: "Ask for the caller's date of birth and call submit_dob with it verbatim.",
		}},
		RespondImmediately: true,
		Functions: []FunctionSchema{
			{
				Name:        "submit_dob",
				Description: "Verify the caller's date of birth against the record.",
				Parameters: StringParam([]string{"date_of_birth"}, map[string]string{
					"date_of_birth": "The date of birth exactly as the caller said it.",
				}),
				Handler: f.handleSubmitDOB,
			},
			f.requestStaffFunction(),
		},
	}
}

func (f *PatientScheduling) handleSubmitDOB(ctx context.Context, m *Manager, args map[string]any) (*Result, error) {
	p := f.Patient()
	if p == nil {
		return &Result{Message: "No patient looked up yet. Ask for the phone number first.", Next: f.collectPhoneNode()}, nil
	}

	verifier := NewVerifier(m.Patients(), m.OrganizationID())
	ok, err := verifier.VerifyDOB(p, StringArg(args, "date_of_birth"))
	if err != nil {
		observe.Logger(ctx).Warn("flow: dob verification unavailable", "patient", p.ID, "err", err)
		return f.transferResult(ctx, m, "We can't verify your identity over the phone right now. Let me connect you with our staff.")
	}
	if !ok {
		return f.failedAttempt(ctx, m, "That date of birth does not match our record.")
	}

	m.State().SetMany(map[string]any{
		KeyIdentityVerified: true,
		"patient_id":        p.ID,
		"patient_name":      p.FullName(),
		"patient_phone":     p.Phone,
	})
	observe.Logger(ctx).Info("flow: identity verified",
		"patient", p.ID, "attempts", m.State().Int(KeyLookupAttempts)+1)
	if m.cfg.Events.OnPatientIdentified != nil {
		m.cfg.Events.OnPatientIdentified(p.ID)
	}
	return &Result{Next: f.schedulingNode()}, nil
}

// failedAttempt counts one verification failure. The second failure hands the
// call to staff; earlier ones route to the not-found node for a retry.
func (f *PatientScheduling) failedAttempt(ctx context.Context, m *Manager, detail string) (*Result, error) {
	attempts := m.State().Incr(KeyLookupAttempts)
	if attempts >= maxLookupAttempts {
		return f.transferResult(ctx, m,
			"I wasn't able to verify your identity. Let me connect you with our staff who can help.")
	}
	return &Result{Message: detail, Next: f.patientNotFoundNode()}, nil
}

func (f *PatientScheduling) patientNotFoundNode() *NodeConfig {
	return &NodeConfig{
		Name:     "patient_not_found",
		Strategy: StrategyAppend,
		TaskMessages: []types.Message{{
			Role: "system",
			Content: "The details did not match our records. Apologize briefly and ask the " +
				"caller to re-confirm their phone number and date of birth, then resubmit.",
		}},
		RespondImmediately: true,
		Functions: []FunctionSchema{
			{
				Name:        "submit_phone",
				Description: "Look up the caller by the corrected phone number.",
				Parameters: StringParam([]string{"phone"}, map[string]string{
					"phone": "The phone number the caller stated.",
				}),
				Handler: f.handleSubmitPhone,
			},
			{
				Name:        "submit_dob",
				Description: "Verify the corrected date of birth.",
				Parameters: StringParam([]string{"date_of_birth"}, map[string]string{
					"date_of_birth": "The date of birth exactly as the caller said it.",
				}),
				Handler: f.handleSubmitDOB,
			},
			f.requestStaffFunction(),
		},
	}
}

// ─── shared nodes ────────────────────────────────────────────────────────────

func (f *PatientScheduling) requestStaffFunction() FunctionSchema {
	return FunctionSchema{
		Name:        "request_staff",
		Description: "Call this when the caller explicitly asks to speak with a human staff member.",
		Handler: func(ctx context.Context, m *Manager, _ map[string]any) (*Result, error) {
			return f.transferResult(ctx, m, "Of course, let me connect you with our staff. One moment please.")
		},
	}
}

// transferResult speaks the hand-over line and transfers to staff. When no
// transfer endpoint is configured the call ends with an apology instead.
func (f *PatientScheduling) transferResult(ctx context.Context, m *Manager, line string) (*Result, error) {
	if err := m.Say(line); err != nil {
		return nil, err
	}
	if err := m.Transfer(ctx, TransferStaff, "flow requested staff"); err != nil {
		observe.Logger(ctx).Error("flow: staff transfer failed", "err", err)
		return &Result{Next: f.endNode("I'm sorry, I can't connect you right now. Please call our office directly. Goodbye.")}, nil
	}
	return nil, nil
}

// endNode speaks the farewell and terminates the call.
func (f *PatientScheduling) endNode(farewell string) *NodeConfig {
	return &NodeConfig{
		Name:                 "end",
		Strategy:             StrategyAppend,
		SuppressResultSpeech: true,
		PreActions:           []Action{{Say: farewell}},
		PostActions:          []Action{{EndConversation: true}},
	}
}

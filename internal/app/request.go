package app

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrWong99/vocata/internal/config"
)

// DialinSettings identifies the inbound call leg the bot should answer.
type DialinSettings struct {
	// CallID is the gateway's identifier for the ringing call.
	CallID string `json:"call_id"`

	// CallDomain is the SIP domain the call arrived on.
	CallDomain string `json:"call_domain,omitempty"`
}

// DialoutTarget is one outbound destination. The session dials targets in
// order; currently only the first is used.
type DialoutTarget struct {
	// PhoneNumber is the E.164 number to dial.
	PhoneNumber string `json:"phone_number"`
}

// TransferConfig overrides the workflow's cold-transfer endpoints for one call.
type TransferConfig struct {
	StaffNumber   string `json:"staff_number,omitempty"`
	BillingNumber string `json:"billing_number,omitempty"`
	MedicalNumber string `json:"medical_number,omitempty"`
}

// StartRequest is the JSON body of the bot start endpoint. Exactly one of
// DialinSettings and DialoutTargets must be present; that choice determines
// the call type.
type StartRequest struct {
	// SessionID is the caller-assigned UUID. Empty generates one.
	SessionID string `json:"session_id"`

	PatientID        string `json:"patient_id,omitempty"`
	ClientName       string `json:"client_name,omitempty"`
	OrganizationID   string `json:"organization_id"`
	OrganizationSlug string `json:"organization_slug,omitempty"`

	// Workflow names the workflow configuration to run. Empty selects the
	// server's default workflow.
	Workflow string `json:"workflow,omitempty"`

	// CallData carries opaque patient/context fields handed to the flow
	// (callback number, available slots, clinic name).
	CallData map[string]string `json:"call_data,omitempty"`

	DialinSettings *DialinSettings `json:"dialin_settings,omitempty"`
	DialoutTargets []DialoutTarget `json:"dialout_targets,omitempty"`

	TransferConfig *TransferConfig `json:"transfer_config,omitempty"`

	// RoomURL and Token are the transport credentials in local mode. In a
	// deployment the server provisions the room itself.
	RoomURL string `json:"room_url,omitempty"`
	Token   string `json:"token,omitempty"`
}

// CallType derives the call direction from which leg settings are present.
// Only meaningful after Validate has passed.
func (r *StartRequest) CallType() config.CallType {
	if r.DialinSettings != nil {
		return config.CallTypeDialIn
	}
	return config.CallTypeDialOut
}

// PhoneNumber returns the first dial-out target, or "".
func (r *StartRequest) PhoneNumber() string {
	if len(r.DialoutTargets) == 0 {
		return ""
	}
	return r.DialoutTargets[0].PhoneNumber
}

// Validate checks the request and fills in a generated session id when none
// was supplied. All problems are reported together.
func (r *StartRequest) Validate() error {
	var errs []error

	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	} else if _, err := uuid.Parse(r.SessionID); err != nil {
		errs = append(errs, fmt.Errorf("session_id %q is not a valid UUID", r.SessionID))
	}
	if r.OrganizationID == "" {
		errs = append(errs, errors.New("organization_id is required"))
	}

	hasDialin := r.DialinSettings != nil
	hasDialout := len(r.DialoutTargets) > 0
	switch {
	case hasDialin && hasDialout:
		errs = append(errs, errors.New("dialin_settings and dialout_targets are mutually exclusive"))
	case !hasDialin && !hasDialout:
		errs = append(errs, errors.New("one of dialin_settings or dialout_targets is required"))
	case hasDialout && r.DialoutTargets[0].PhoneNumber == "":
		errs = append(errs, errors.New("dialout_targets[0].phone_number is required"))
	}

	return errors.Join(errs...)
}

// apply overlays non-empty override fields onto the workflow's endpoints.
func (t *TransferConfig) apply(base config.ColdTransferConfig) config.ColdTransferConfig {
	if t == nil {
		return base
	}
	if t.StaffNumber != "" {
		base.StaffNumber = t.StaffNumber
	}
	if t.BillingNumber != "" {
		base.BillingNumber = t.BillingNumber
	}
	if t.MedicalNumber != "" {
		base.MedicalNumber = t.MedicalNumber
	}
	return base
}

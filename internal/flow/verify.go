package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/vocata/internal/store"
)

// maxLookupAttempts is how many identity verification attempts a caller gets
// before the call is handed to staff.
const maxLookupAttempts = 2

// nameSimilarityThreshold is the Jaro-Winkler score above which two name
// tokens count as the same name despite transcription noise.
const nameSimilarityThreshold = 0.84

// minPhoneDigits rejects fragments the caller trailed off on.
const minPhoneDigits = 7

// Verifier runs the identity verification subroutine used by dial-in flows:
// phone lookup scoped to the organization, then date-of-birth confirmation.
type Verifier struct {
	patients       store.PatientStore
	organizationID string
}

// NewVerifier creates a Verifier over the given patient store.
func NewVerifier(patients store.PatientStore, organizationID string) *Verifier {
	return &Verifier{patients: patients, organizationID: organizationID}
}

// LookupByPhone normalizes the stated phone number to digits and looks up the
// patient. The returned error wraps [store.ErrNotFound] when no record
// matches.
func (v *Verifier) LookupByPhone(ctx context.Context, phone string) (*store.Patient, error) {
	digits := store.NormalizePhone(phone)
	if len(digits) < minPhoneDigits {
		return nil, fmt.Errorf("flow: phone %q has too few digits", phone)
	}
	return v.patients.FindByPhone(ctx, v.organizationID, digits)
}

// VerifyDOB compares the caller's spoken date of birth against the record.
// A parse failure counts as a mismatch, not an error; the caller simply did
// not state a recognizable date.
func (v *Verifier) VerifyDOB(p *store.Patient, spoken string) (bool, error) {
	if p.DateOfBirth == "" {
		return false, fmt.Errorf("flow: patient %s has no date of birth on file", p.ID)
	}
	iso, err := ParseSpokenDate(spoken)
	if err != nil {
		return false, nil
	}
	return iso == p.DateOfBirth, nil
}

// NameMatches reports whether the name the caller stated plausibly refers to
// the recorded full name, tolerating STT spelling drift. A token matches
// when its double-metaphone encoding agrees or its Jaro-Winkler similarity
// clears the threshold.
func NameMatches(stated, full string) bool {
	statedTokens := nameTokens(stated)
	fullTokens := nameTokens(full)
	if len(statedTokens) == 0 || len(fullTokens) == 0 {
		return false
	}
	for _, st := range statedTokens {
		for _, ft := range fullTokens {
			if tokensAlike(st, ft) {
				return true
			}
		}
	}
	return false
}

func tokensAlike(a, b string) bool {
	if a == b {
		return true
	}
	p1, s1 := matchr.DoubleMetaphone(a)
	p2, s2 := matchr.DoubleMetaphone(b)
	if p1 != "" && p1 == p2 {
		return true
	}
	if s1 != "" && s1 == s2 {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= nameSimilarityThreshold
}

func nameTokens(s string) []string {
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ",.'-")
		if len(tok) < 2 {
			continue
		}
		out = append(out, tok)
	}
	return out
}

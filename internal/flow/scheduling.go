package flow

import "strings"

// SlotBook holds the ordered list of offerable appointment slots as
// human-readable date/time strings, e.g. "Tuesday, March 3 at 10:00 AM".
type SlotBook struct {
	slots []string
}

// NewSlotBook creates a SlotBook over the configured slot strings.
func NewSlotBook(slots []string) *SlotBook {
	return &SlotBook{slots: append([]string(nil), slots...)}
}

// Slots returns the configured slots in offer order.
func (b *SlotBook) Slots() []string {
	return append([]string(nil), b.slots...)
}

// Offer renders the slot list for speech.
func (b *SlotBook) Offer() string {
	return strings.Join(b.slots, "; ")
}

// Empty reports whether no slots are configured.
func (b *SlotBook) Empty() bool { return len(b.slots) == 0 }

// Match accepts a slot only when every token of both the stated date and the
// stated time appears in a single configured entry. The first entry in offer
// order wins. A failed match means the caller picked something not on the
// list and the slots must be re-offered.
func (b *SlotBook) Match(date, timeOfDay string) (string, bool) {
	dateTokens := slotTokens(date)
	timeTokens := slotTokens(timeOfDay)
	if len(dateTokens) == 0 || len(timeTokens) == 0 {
		return "", false
	}
	for _, slot := range b.slots {
		have := make(map[string]bool)
		for _, tok := range slotTokens(slot) {
			have[tok] = true
		}
		if containsAll(have, dateTokens) && containsAll(have, timeTokens) {
			return slot, true
		}
	}
	return "", false
}

func containsAll(have map[string]bool, want []string) bool {
	for _, tok := range want {
		if !have[tok] {
			return false
		}
	}
	return true
}

// slotTokens lowercases and strips punctuation so "10:00 AM," and "10:00 am"
// compare equal. Filler words are dropped.
func slotTokens(s string) []string {
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ",.")
		switch tok {
		case "", "at", "on", "the":
			continue
		}
		out = append(out, tok)
	}
	return out
}

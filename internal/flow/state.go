package flow

import "sync"

// Well-known state keys. Handlers are free to add arbitrary domain keys
// (appointment slot, reference numbers) next to these.
const (
	// KeyIdentityVerified is set to true once the caller passed verification.
	KeyIdentityVerified = "identity_verified"

	// KeyCallerStatedName holds the name the caller gave for themselves.
	KeyCallerStatedName = "caller_stated_name"

	// KeyRoutedTo records the transfer destination, when any.
	KeyRoutedTo = "routed_to"

	// KeyLookupAttempts counts identity verification attempts.
	KeyLookupAttempts = "lookup_attempts"

	// keyCallEnded is the single-call latch checked by cleanup handlers.
	keyCallEnded = "_call_ended"
)

// State is the keyed value map carried across nodes and flows. It is the
// single carrier of identity and collected fields through handoffs; a foreign
// flow constructed with the same [Manager] sees the same State. Safe for
// concurrent use.
type State struct {
	mu   sync.Mutex
	data map[string]any
}

// NewState creates an empty State.
func NewState() *State {
	return &State{data: make(map[string]any)}
}

// Set stores v under key.
func (s *State) Set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = v
}

// SetMany stores every entry of values.
func (s *State) SetMany(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.data[k] = v
	}
}

// Get returns the raw value under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// String returns the value under key when it is a non-empty string.
func (s *State) String(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := s.data[key].(string)
	return v
}

// Bool returns the value under key when it is a bool.
func (s *State) Bool(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := s.data[key].(bool)
	return v
}

// Int returns the value under key when it is an int.
func (s *State) Int(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := s.data[key].(int)
	return v
}

// Incr increments the int under key and returns the new value.
func (s *State) Incr(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := s.data[key].(int)
	v++
	s.data[key] = v
	return v
}

// Missing returns the keys from required that are absent or hold an empty
// string. Handlers use it as the data-completeness guard before closing a
// booking or verification.
func (s *State) Missing(required ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []string
	for _, key := range required {
		v, ok := s.data[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		if str, isStr := v.(string); isStr && str == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// EndCall flips the single-call latch. It returns true exactly once; cleanup
// handlers that find it already flipped must do nothing.
func (s *State) EndCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ended, _ := s.data[keyCallEnded].(bool); ended {
		return false
	}
	s.data[keyCallEnded] = true
	return true
}

// CallEnded reports whether the end latch has been flipped.
func (s *State) CallEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ended, _ := s.data[keyCallEnded].(bool)
	return ended
}

// Snapshot returns a copy of the state map for logging and persistence.
func (s *State) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

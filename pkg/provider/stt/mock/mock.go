// Package mock provides a test double for the stt.Provider interface.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/vocata/pkg/provider/stt"
	"github.com/MrWong99/vocata/pkg/types"
)

// Provider is a mock implementation of stt.Provider. Each StartStream call
// returns a fresh *Session which tests drive directly via EmitPartial,
// EmitFinal, and End.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from StartStream.
	StartErr error

	// StartCalls records the config of each StartStream invocation.
	StartCalls []stt.StreamConfig

	// Sessions holds every session handed out, in order.
	Sessions []*Session
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns a new controllable Session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// SessionAt returns the i-th session handed out, or nil. Safe to call while
// StartStream runs on another goroutine.
func (p *Provider) SessionAt(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.Sessions) {
		return nil
	}
	return p.Sessions[i]
}

// Session is a controllable stt.SessionHandle for tests.
type Session struct {
	mu       sync.Mutex
	partials chan types.Transcript
	finals   chan types.Transcript
	closed   bool

	// Audio collects every chunk passed to SendAudio.
	Audio [][]byte

	// Keywords collects every SetKeywords argument.
	Keywords [][]types.KeywordBoost

	// KeywordsErr, if non-nil, is returned from SetKeywords.
	KeywordsErr error
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession creates an open Session.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
	}
}

// EmitPartial delivers an interim transcript to the session's consumer.
func (s *Session) EmitPartial(t types.Transcript) {
	t.IsFinal = false
	s.partials <- t
}

// EmitFinal delivers a final transcript to the session's consumer.
func (s *Session) EmitFinal(t types.Transcript) {
	t.IsFinal = true
	s.finals <- t
}

// End closes both transcript channels, simulating the vendor stream ending.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	s.Audio = append(s.Audio, chunk)
	return nil
}

// Partials returns the interim transcript channel.
func (s *Session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// SetKeywords records the keyword list.
func (s *Session) SetKeywords(keywords []types.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Keywords = append(s.Keywords, keywords)
	return s.KeywordsErr
}

// Close closes the session and its channels. Idempotent.
func (s *Session) Close() error {
	s.End()
	return nil
}

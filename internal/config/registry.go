package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/vocata/pkg/provider/embeddings"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	"github.com/MrWong99/vocata/pkg/provider/stt"
	"github.com/MrWong99/vocata/pkg/provider/tts"
	"github.com/MrWong99/vocata/pkg/telephony"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RoomParams carries the per-call transport credentials from the bot start
// request. They are not part of the workflow YAML.
type RoomParams struct {
	// URL is the wss:// room address for this call.
	URL string

	// Token authenticates the bot against the media gateway.
	Token string

	// BotName is the display name the bot joins under.
	BotName string
}

// Registry maps provider names to their constructor functions for each
// service type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ServiceEntry) (llm.Provider, error)
	stt        map[string]func(ServiceEntry) (stt.Provider, error)
	tts        map[string]func(ServiceEntry) (tts.Provider, error)
	embeddings map[string]func(ServiceEntry) (embeddings.Provider, error)
	transport  map[string]func(ServiceEntry, RoomParams) (telephony.Transport, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ServiceEntry) (llm.Provider, error)),
		stt:        make(map[string]func(ServiceEntry) (stt.Provider, error)),
		tts:        make(map[string]func(ServiceEntry) (tts.Provider, error)),
		embeddings: make(map[string]func(ServiceEntry) (embeddings.Provider, error)),
		transport:  make(map[string]func(ServiceEntry, RoomParams) (telephony.Transport, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ServiceEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ServiceEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ServiceEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ServiceEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterTransport registers a telephony transport factory under name.
// Transport factories additionally receive the per-call [RoomParams].
func (r *Registry) RegisterTransport(name string, factory func(ServiceEntry, RoomParams) (telephony.Transport, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ServiceEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Provider.
func (r *Registry) CreateSTT(entry ServiceEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Provider.
func (r *Registry) CreateTTS(entry ServiceEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Provider.
func (r *Registry) CreateEmbeddings(entry ServiceEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry)
}

// CreateTransport instantiates a telephony transport using the factory
// registered under entry.Provider.
func (r *Registry) CreateTransport(entry ServiceEntry, room RoomParams) (telephony.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transport[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry, room)
}

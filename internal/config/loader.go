package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vocata/internal/mcptools"
)

// ValidProviderNames lists known provider names per service kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "mistral", "groq"},
	"stt":        {"deepgram"},
	"tts":        {"elevenlabs"},
	"transport":  {"room", "mock"},
	"embeddings": {"openai"},
}

// envVarPattern matches ${NAME} placeholders in raw YAML text.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML workflow file at path and returns a validated [Workflow].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML workflow from r and validates the result.
// ${ENV_VAR} placeholders are substituted from the process environment before
// decoding; a placeholder naming an unset variable is an error, so missing
// credentials fail at load time rather than mid-call.
func LoadFromReader(r io.Reader) (*Workflow, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, err
	}

	cfg := &Workflow{}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes every ${NAME} placeholder in raw with the value of the
// corresponding environment variable. All missing variables are reported in a
// single joined error.
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error
	expanded := envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := string(envVarPattern.FindSubmatch(match)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			errs = append(errs, fmt.Errorf("config: environment variable %s is not set", name))
			return match
		}
		return []byte(value)
	})
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return expanded, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Workflow) error {
	var errs []error

	if cfg.CallType == "" {
		errs = append(errs, errors.New("call_type is required"))
	} else if !cfg.CallType.IsValid() {
		errs = append(errs, fmt.Errorf("call_type %q is invalid; valid values: dial-in, dial-out", cfg.CallType))
	}

	// Required services
	for _, svc := range []struct {
		kind  string
		entry ServiceEntry
	}{
		{"stt", cfg.Services.STT},
		{"llm", cfg.Services.LLM},
		{"tts", cfg.Services.TTS},
		{"transport", cfg.Services.Transport},
	} {
		if svc.entry.Provider == "" {
			errs = append(errs, fmt.Errorf("services.%s.provider is required", svc.kind))
			continue
		}
		validateProviderName(svc.kind, svc.entry.Provider)
	}

	// Optional services
	if cfg.Services.ClassifierLLM != nil {
		if cfg.Services.ClassifierLLM.Provider == "" {
			errs = append(errs, errors.New("services.classifier_llm.provider is required when the section is present"))
		} else {
			validateProviderName("llm", cfg.Services.ClassifierLLM.Provider)
		}
	}
	if cfg.Services.FallbackLLM != nil {
		if cfg.Services.FallbackLLM.Provider == "" {
			errs = append(errs, errors.New("services.fallback_llm.provider is required when the section is present"))
		} else {
			validateProviderName("llm", cfg.Services.FallbackLLM.Provider)
		}
	}
	if cfg.Services.Embeddings != nil {
		validateProviderName("embeddings", cfg.Services.Embeddings.Provider)
		if cfg.Persistence.EmbeddingDimensions <= 0 {
			slog.Warn("services.embeddings is configured but persistence.embedding_dimensions is not set; defaulting to 1536")
		}
	}

	// Triage
	if cfg.Triage.VoicemailResponseDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("triage.voicemail_response_delay %.2f must not be negative", cfg.Triage.VoicemailResponseDelaySeconds))
	}
	if cfg.Triage.Enabled && cfg.CallType == CallTypeDialIn {
		slog.Warn("triage is enabled on a dial-in workflow; inbound callers are not classified")
	}

	// Safety
	if cfg.SafetyMonitors.Enabled || cfg.SafetyMonitors.OutputValidator.Enabled {
		if cfg.SafetyMonitors.SafetyLLM.Model == "" && cfg.Services.ClassifierLLM == nil {
			slog.Warn("safety monitoring is enabled without safety_monitors.safety_llm.model; the main LLM will be used for safety classification")
		}
	}
	if cfg.SafetyMonitors.AutoTransfer && cfg.ColdTransfer.StaffNumber == "" && cfg.ColdTransfer.MedicalNumber == "" {
		errs = append(errs, errors.New("safety_monitors.auto_transfer requires at least one cold_transfer destination"))
	}

	// Persistence
	if cfg.Persistence.PostgresDSN == "" {
		slog.Warn("persistence.postgres_dsn is empty; session records and transcripts will not be saved")
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcptools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcptools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

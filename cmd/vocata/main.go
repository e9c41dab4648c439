// Command vocata runs the bot server for the vocata call orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/vocata/internal/app"
	"github.com/MrWong99/vocata/internal/config"
	"github.com/MrWong99/vocata/internal/flow"
	"github.com/MrWong99/vocata/internal/health"
	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/internal/store"
	"github.com/MrWong99/vocata/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/vocata/pkg/provider/embeddings/openai"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	"github.com/MrWong99/vocata/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/vocata/pkg/provider/llm/openai"
	"github.com/MrWong99/vocata/pkg/provider/stt"
	"github.com/MrWong99/vocata/pkg/provider/stt/deepgram"
	"github.com/MrWong99/vocata/pkg/provider/tts"
	"github.com/MrWong99/vocata/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/vocata/pkg/telephony"
	"github.com/MrWong99/vocata/pkg/telephony/room"
)

// maxConcurrentCalls is when /readyz starts steering new calls elsewhere.
const maxConcurrentCalls = 32

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "workflow.yaml", "path to the workflow YAML configuration")
	workflowName := flag.String("workflow", "patient_scheduling", "name the workflow is served under")
	flag.Parse()

	env := config.EnvFromOS()
	slog.SetDefault(newLogger(env.Debug))

	wf, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocata: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocata: %v\n", err)
		}
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	var providerCfg observe.ProviderConfig
	if env.EnableTracing {
		exp, err := observe.NewOTLPTraceExporter(ctx, env.OTLPTracesEndpoint)
		if err != nil {
			slog.Error("trace exporter init failed", "err", err)
			return 1
		}
		providerCfg.TraceExporter = exp
	}
	otelShutdown, err := observe.InitProvider(ctx, providerCfg)
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("metrics init failed", "err", err)
		return 1
	}

	// ── Stores ────────────────────────────────────────────────────────────────
	var (
		sessions store.SessionStore
		patients store.PatientStore
		index    *store.SemanticIndex
		checkers []health.Checker
	)
	if dsn := wf.Persistence.PostgresDSN; dsn != "" {
		pg, err := store.NewPostgres(ctx, dsn, wf.Persistence.EmbeddingDimensions)
		if err != nil {
			slog.Error("postgres init failed", "err", err)
			return 1
		}
		defer pg.Close()
		sessions, patients = pg.Sessions(), pg.Patients()
		checkers = append(checkers, health.Checker{Name: "database", Check: pg.Pool().Ping})

		if wf.Services.Embeddings != nil {
			embedder, err := buildEmbeddings(*wf.Services.Embeddings)
			if err != nil {
				slog.Error("embeddings init failed", "err", err)
				return 1
			}
			index = store.NewSemanticIndex(pg.Pool(), embedder)
		}
	} else {
		slog.Warn("no postgres DSN configured, using in-memory stores")
		mem := store.NewMem()
		sessions, patients = mem.Sessions(), mem.Patients()
	}

	// ── Providers and sessions ────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	manager := app.NewSessionManager(app.SessionManagerConfig{
		Registry:        reg,
		Workflows:       map[string]*config.Workflow{*workflowName: wf},
		DefaultWorkflow: *workflowName,
		Flows: map[string]app.FlowBuilder{
			*workflowName: schedulingFlow,
		},
		Sessions: sessions,
		Patients: patients,
		Index:    index,
		Metrics:  metrics,
	})

	checkers = append(checkers, health.Capacity(maxConcurrentCalls, func() int {
		return len(manager.Active())
	}))

	server := app.NewServer(app.ServerConfig{
		Addr:     fmt.Sprintf(":%d", env.BotPort),
		Manager:  manager,
		Checkers: checkers,
		Metrics:  metrics,
	})

	slog.Info("vocata starting",
		"config", *configPath,
		"workflow", *workflowName,
		"call_type", string(wf.CallType),
		"port", env.BotPort,
		"environment", env.Environment,
	)

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Flows ─────────────────────────────────────────────────────────────────────

// schedulingFlow builds the patient-scheduling workflow from the start
// request's call data.
func schedulingFlow(m *flow.Manager, req app.StartRequest, patient *store.Patient) flow.Flow {
	return flow.NewPatientScheduling(m, flow.PatientSchedulingConfig{
		Patient:    patient,
		CallData:   req.CallData,
		Slots:      splitSlots(req.CallData["available_slots"]),
		ClinicName: req.CallData["clinic_name"],
	})
}

// splitSlots parses the semicolon-separated slot list from call data.
func splitSlots(raw string) []string {
	if raw == "" {
		return nil
	}
	var slots []string
	for _, s := range strings.Split(raw, ";") {
		if s = strings.TrimSpace(s); s != "" {
			slots = append(slots, s)
		}
	}
	return slots
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with vocata
// into reg. Each factory receives a config.ServiceEntry and constructs the
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// The main conversation model talks to OpenAI directly; everything else
	// goes through the vendor-agnostic any-llm client.
	reg.RegisterLLM("openai", func(entry config.ServiceEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ServiceEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ServiceEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ServiceEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ServiceEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Transport ─────────────────────────────────────────────────────────────

	reg.RegisterTransport("room", func(entry config.ServiceEntry, rp config.RoomParams) (telephony.Transport, error) {
		cfg := room.Config{
			RoomURL: rp.URL,
			Token:   rp.Token,
			BotName: rp.BotName,
		}
		if rate, ok := entry.Options["sample_rate"].(int); ok {
			cfg.SampleRate = rate
		}
		return room.New(cfg)
	})
}

// buildEmbeddings constructs the embeddings provider for the semantic
// transcript index.
func buildEmbeddings(entry config.ServiceEntry) (embeddings.Provider, error) {
	switch entry.Provider {
	case "openai":
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	default:
		return nil, fmt.Errorf("vocata: unknown embeddings provider %q", entry.Provider)
	}
}

// optString reads a string option from a service entry's options map.
func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(debug bool) *slog.Logger {
	lvl := slog.LevelInfo
	if debug {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

package config

import (
	"os"
	"strconv"
)

// defaultBotPort is the HTTP port the bot server listens on when BOT_PORT is
// not set.
const defaultBotPort = 7860

// Env holds the process-level settings read from environment variables, as
// opposed to the per-workflow YAML handled by [Load].
type Env struct {
	// Environment names the deployment ("local", "staging", "production").
	// Empty means local.
	Environment string

	// Debug enables debug-level logging.
	Debug bool

	// BotPort is the HTTP port for the bot start endpoint.
	BotPort int

	// EnableTracing turns on OTLP trace export.
	EnableTracing bool

	// OTLPTracesEndpoint is the gRPC endpoint traces are exported to.
	// Ignored unless EnableTracing is set.
	OTLPTracesEndpoint string
}

// EnvFromOS reads [Env] from the process environment, applying defaults for
// anything unset.
func EnvFromOS() Env {
	e := Env{
		Environment:        os.Getenv("ENV"),
		Debug:              boolEnv("DEBUG"),
		BotPort:            defaultBotPort,
		EnableTracing:      boolEnv("ENABLE_TRACING"),
		OTLPTracesEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"),
	}
	if e.Environment == "" {
		e.Environment = "local"
	}
	if port, err := strconv.Atoi(os.Getenv("BOT_PORT")); err == nil && port > 0 {
		e.BotPort = port
	}
	return e
}

// IsLocal reports whether the process runs outside a deployment, in which
// case the bot start request must carry its own room URL and token.
func (e Env) IsLocal() bool {
	return e.Environment == "local"
}

func boolEnv(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

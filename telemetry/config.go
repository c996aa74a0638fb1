package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sethvargo/go-envconfig"

	"github.com/canonlog/canonlog/sanitize"
)

// Options is the explicit configuration surface for Configure. All knobs
// can be supplied from the environment via LoadOptions.
type Options struct {
	ServiceName    string `env:"CANONLOG_SERVICE_NAME, default=canonlog-service"`
	ServiceVersion string `env:"CANONLOG_SERVICE_VERSION, default=1.0.0"`
	Environment    string `env:"CANONLOG_ENVIRONMENT, default=development"`

	// EnableCloudExport turns on the OTLP gRPC span exporter. The project
	// identifier is auto-detected when empty.
	EnableCloudExport bool   `env:"CANONLOG_CLOUD_EXPORT, default=false"`
	ProjectID         string `env:"CANONLOG_PROJECT_ID"`
	OTLPEndpoint      string `env:"CANONLOG_OTLP_ENDPOINT, default=127.0.0.1:4317"`

	// EnableConsoleExport turns on the local stdout span exporter for
	// development.
	EnableConsoleExport bool `env:"CANONLOG_CONSOLE_EXPORT, default=true"`

	// Sanitizer thresholds. Empty pattern list keeps the default denylist.
	MaxAttributeBytes int      `env:"CANONLOG_MAX_ATTRIBUTE_BYTES, default=10240"`
	DenyKeyPatterns   []string `env:"CANONLOG_DENY_KEY_PATTERNS"`

	HealthPort string `env:"CANONLOG_HEALTH_PORT, default=8080"`
	LogLevel   string `env:"CANONLOG_LOG_LEVEL, default=INFO"`
}

// LoadOptions reads Options from the environment.
func LoadOptions(ctx context.Context) (Options, error) {
	var opts Options
	if err := envconfig.Process(ctx, &opts); err != nil {
		return Options{}, fmt.Errorf("load telemetry options: %w", err)
	}
	return opts, nil
}

// policy derives the sanitizer policy, starting from the defaults.
func (o Options) policy() sanitize.Policy {
	p := sanitize.DefaultPolicy()
	if o.MaxAttributeBytes > 0 {
		p.MaxAttributeBytes = o.MaxAttributeBytes
	}
	// Custom patterns extend the built-in blocklist rather than replacing it.
	p.DenyKeyPatterns = append(p.DenyKeyPatterns, o.DenyKeyPatterns...)
	return p
}

func (o Options) logLevel() slog.Level {
	switch strings.ToUpper(o.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

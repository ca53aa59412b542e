// Package draw parses draw command flags and composes the gateway entrypoint.
package draw

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/fairdraw/fairdraw/internal/platform/cmd"
	server "github.com/fairdraw/fairdraw/internal/services/draw/app"
)

// Config holds draw command configuration.
type Config struct {
	HTTPAddr           string `env:"FAIRDRAW_HTTP_ADDR"            envDefault:":8080"`
	StoragePath        string `env:"FAIRDRAW_STORAGE_PATH"         envDefault:"draw.db"`
	AuthBaseURL        string `env:"FAIRDRAW_AUTH_BASE_URL"`
	AuthResourceSecret string `env:"FAIRDRAW_AUTH_RESOURCE_SECRET"`
	AuthIssuer         string `env:"FAIRDRAW_AUTH_ISSUER"`
	AuthAudience       string `env:"FAIRDRAW_AUTH_AUDIENCE"`
	AuthPublicKey      string `env:"FAIRDRAW_AUTH_PUBLIC_KEY"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "draw HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "draw document store path")
	fs.StringVar(&cfg.AuthBaseURL, "auth-base-url", cfg.AuthBaseURL, "identity provider base URL")
	fs.StringVar(&cfg.AuthResourceSecret, "auth-resource-secret", cfg.AuthResourceSecret, "identity introspection resource secret")
	fs.StringVar(&cfg.AuthIssuer, "auth-issuer", cfg.AuthIssuer, "expected identity token issuer")
	fs.StringVar(&cfg.AuthAudience, "auth-audience", cfg.AuthAudience, "expected identity token audience")
	fs.StringVar(&cfg.AuthPublicKey, "auth-public-key", cfg.AuthPublicKey, "base64 ed25519 identity token verification key")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the draw app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDraw, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:           cfg.HTTPAddr,
			StoragePath:        cfg.StoragePath,
			AuthBaseURL:        cfg.AuthBaseURL,
			AuthResourceSecret: cfg.AuthResourceSecret,
			AuthIssuer:         cfg.AuthIssuer,
			AuthAudience:       cfg.AuthAudience,
			AuthPublicKey:      cfg.AuthPublicKey,
		}); err != nil {
			return fmt.Errorf("serve draw: %w", err)
		}
		return nil
	})
}

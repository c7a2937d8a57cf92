// Command lumen runs the session core standalone: restore the persisted
// session, report its state, and keep the background maintenance loops
// running until interrupted. Embedding applications wire internal/core
// directly; this binary exists for local inspection and smoke testing.
package main

import (
	"context"
	"crypto/sha256"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/lumenwallet/lumen-core/internal/core"
	"github.com/lumenwallet/lumen-core/internal/platform/otel"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Fatal().Err(err).Msg("lumen core exited")
	}
}

func run(ctx context.Context, log zerolog.Logger) error {
	cfg, err := core.LoadConfig()
	if err != nil {
		return err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	shutdown, err := otel.Setup(ctx, "lumen-core")
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("flush traces")
		}
	}()

	// Standalone runs have no OS keychain; derive the keystore key from an
	// operator-provided secret.
	secret := os.Getenv("LUMEN_MASTER_SECRET")
	if secret == "" {
		secret = "lumen-dev-only-secret"
		log.Warn().Msg("LUMEN_MASTER_SECRET not set, using development key")
	}
	masterKey := sha256.Sum256([]byte(secret))

	c, err := core.New(cfg, masterKey[:], core.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close core")
		}
	}()

	if err := c.Restore(ctx); err != nil {
		return err
	}
	log.Info().Str("state", string(c.Session().State())).Msg("session restored")

	c.Start(ctx)

	events, cancel := c.Session().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			log.Info().
				Str("event", string(event.Type)).
				Str("state", string(event.State)).
				Str("profile_id", event.ProfileID).
				Msg("session event")
		}
	}
}

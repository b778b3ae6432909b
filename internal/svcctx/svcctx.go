// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/config"
	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/home"
	"github.com/tanoshi/narration/internal/pipeline"
	"github.com/tanoshi/narration/internal/providers"
	"github.com/tanoshi/narration/internal/session"
	"github.com/tanoshi/narration/internal/signing"
	"github.com/tanoshi/narration/internal/voices"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Sessions  *session.Manager
	Pipeline  *pipeline.Coordinator
	Events    *events.Publisher
	Voices    *voices.Registry
	Blobs     blob.Store
	Providers *providers.Registry
	Signer    *signing.Signer
	Config    *config.Manager
	Logger    *slog.Logger
	Home      *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// SessionsFrom extracts the session manager from context.
func SessionsFrom(ctx context.Context) *session.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Sessions
	}
	return nil
}

// PipelineFrom extracts the pipeline coordinator from context.
func PipelineFrom(ctx context.Context) *pipeline.Coordinator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Pipeline
	}
	return nil
}

// EventsFrom extracts the event publisher from context.
func EventsFrom(ctx context.Context) *events.Publisher {
	if s := ServicesFrom(ctx); s != nil {
		return s.Events
	}
	return nil
}

// VoicesFrom extracts the voice registry from context.
func VoicesFrom(ctx context.Context) *voices.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Voices
	}
	return nil
}

// BlobsFrom extracts the blob store from context.
func BlobsFrom(ctx context.Context) blob.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Blobs
	}
	return nil
}

// ProvidersFrom extracts the provider registry from context.
func ProvidersFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Providers
	}
	return nil
}

// SignerFrom extracts the upload URL signer from context.
func SignerFrom(ctx context.Context) *signing.Signer {
	if s := ServicesFrom(ctx); s != nil {
		return s.Signer
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// LoggerFrom extracts the logger from context.
// Returns slog.Default() if not present.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

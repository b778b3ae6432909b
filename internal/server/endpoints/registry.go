package endpoints

import (
	"time"

	"github.com/tanoshi/narration/internal/api"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	// KeepAlive is the SSE comment and WebSocket ping interval.
	KeepAlive time.Duration
	// CORSOrigins are the WebSocket origin patterns.
	CORSOrigins     []string
	SwaggerSpecPath string
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// Session endpoints
		&StartSessionEndpoint{},
		&NextSessionEndpoint{},

		// Job endpoints
		&SnapshotEndpoint{},
		&RetryPageEndpoint{},
		&ViewingEndpoint{},
		&UploadPageEndpoint{},
		&AudioEndpoint{},
		&EventsEndpoint{KeepAlive: cfg.KeepAlive},
		&WebSocketEndpoint{KeepAlive: cfg.KeepAlive, OriginPatterns: wsOrigins(cfg.CORSOrigins)},

		// Voice endpoints
		&ListVoicesEndpoint{},
		&GetVoiceEndpoint{},
		&RegisterVoiceEndpoint{},
		&SignVoiceAssetEndpoint{},
		&PutVoiceAssetEndpoint{},

		// Swagger/OpenAPI endpoints
		&SwaggerEndpoint{SpecPath: cfg.SwaggerSpecPath},
		&SwaggerUIEndpoint{},
	}
}

// wsOrigins turns CORS origins into host patterns for the WebSocket
// origin check, which compares hosts without the scheme.
func wsOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		for _, scheme := range []string{"https://", "http://"} {
			if len(o) > len(scheme) && o[:len(scheme)] == scheme {
				o = o[len(scheme):]
				break
			}
		}
		out = append(out, o)
	}
	return out
}

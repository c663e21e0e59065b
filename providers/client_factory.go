package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
	"github.com/zero-day-ai/inspect-wandb/config"
	"github.com/zero-day-ai/inspect-wandb/weave"
)

// Environment variables read by the default client factory.
const (
	EnvTraceServerURL = "WF_TRACE_SERVER_URL"
	EnvAPIKey         = "WANDB_API_KEY"
)

// DefaultClientFactory opens a weave.TraceServerClient for the resolved project,
// reading the server URL from WF_TRACE_SERVER_URL and the API key from
// WANDB_API_KEY.
func DefaultClientFactory(logger *slog.Logger) weave.ClientFactory {
	return NewClientFactory(os.LookupEnv, logger)
}

// NewClientFactory is DefaultClientFactory with an injected environment.
func NewClientFactory(lookup config.LookupEnvFunc, logger *slog.Logger) weave.ClientFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, settings config.WeaveSettings) (weave.Client, error) {
		const op = "providers.ClientFactory"

		apiKey, _ := lookup(EnvAPIKey)
		if apiKey == "" {
			return nil, inspectwandb.NewConfigurationError(op,
				fmt.Errorf("%s is not set: %w", EnvAPIKey, inspectwandb.ErrWandbNotInitialized))
		}

		baseURL, ok := lookup(EnvTraceServerURL)
		if !ok || baseURL == "" {
			baseURL = weave.DefaultTraceServerURL
		}

		return weave.NewTraceServerClient(weave.TraceServerOptions{
			BaseURL:   baseURL,
			APIKey:    apiKey,
			ProjectID: settings.ProjectRef(),
			Logger:    logger,
		}), nil
	}
}

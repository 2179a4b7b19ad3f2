package dynconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	ld "github.com/launchdarkly/go-server-sdk/v7"
	"github.com/launchdarkly/go-server-sdk/v7/ldcomponents"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// boolEvaluator is the slice of the LaunchDarkly client used here.
type boolEvaluator interface {
	BoolVariation(key string, context ldcontext.Context, defaultVal bool) (bool, error)
	Close() error
}

// LaunchDarklyConfig holds LaunchDarkly settings.
type LaunchDarklyConfig struct {
	SDKKey string
	// ContextKey identifies this engine to LaunchDarkly targeting rules.
	ContextKey   string
	PollInterval time.Duration
	InitTimeout  time.Duration
}

// LaunchDarkly is a Service evaluating flags through LaunchDarkly.
type LaunchDarkly struct {
	client  boolEvaluator
	context ldcontext.Context
	logger  zerolog.Logger
}

// NewLaunchDarkly connects to LaunchDarkly. It blocks until the SDK has
// initialised or InitTimeout elapses.
func NewLaunchDarkly(cfg LaunchDarklyConfig) (*LaunchDarkly, error) {
	if cfg.SDKKey == "" {
		return nil, fmt.Errorf("launchdarkly: sdk_key is required")
	}

	ldCfg := ld.Config{}
	if cfg.PollInterval > 0 {
		ldCfg.DataSource = ldcomponents.PollingDataSource().PollInterval(cfg.PollInterval)
	}
	wait := cfg.InitTimeout
	if wait == 0 {
		wait = 10 * time.Second
	}

	client, err := ld.MakeCustomClient(cfg.SDKKey, ldCfg, wait)
	if err != nil {
		return nil, fmt.Errorf("launchdarkly: init failed: %w", err)
	}
	return newLaunchDarkly(client, cfg.ContextKey), nil
}

func newLaunchDarkly(client boolEvaluator, contextKey string) *LaunchDarkly {
	if contextKey == "" {
		contextKey = "anchor"
	}
	return &LaunchDarkly{
		client:  client,
		context: ldcontext.NewBuilder(contextKey).Kind("service").Build(),
		logger:  log.With().Str("component", "dynconfig").Str("source", "launchdarkly").Logger(),
	}
}

// IsEnabled implements Service. Evaluation errors yield defaultValue.
func (l *LaunchDarkly) IsEnabled(_ context.Context, key string, defaultValue bool) bool {
	v, err := l.client.BoolVariation(key, l.context, defaultValue)
	if err != nil {
		l.logger.Warn().Err(err).Str("flag", key).Bool("default", defaultValue).Msg("flag evaluation failed")
		return defaultValue
	}
	return v
}

// Close shuts down the client.
func (l *LaunchDarkly) Close() error {
	return l.client.Close()
}

package cmd

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/pushq/internal/config"
	"github.com/3leaps/pushq/internal/observability"
	"github.com/3leaps/pushq/pkg/artifact"
	"github.com/3leaps/pushq/pkg/destination"
	"github.com/3leaps/pushq/pkg/jobqueue"
)

// environment is the wired set of components a command operates on.
type environment struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *destination.Registry
	profiles *destination.ProfileStore
	locator  *artifact.Locator
	queue    *jobqueue.Queue
}

func openEnvironment(logger *zap.Logger) (*environment, error) {
	cfg := appConfig
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	if logger == nil {
		logger = observability.CLILogger
	}

	registry := destination.NewRegistry(cfg.Queue.DestinationsDir)
	locator, err := artifact.NewLocator(artifact.S3Options{
		Region:         cfg.Artifacts.Region,
		Endpoint:       cfg.Artifacts.Endpoint,
		Profile:        cfg.Artifacts.Profile,
		ForcePathStyle: cfg.Artifacts.ForcePathStyle,
	}, logger)
	if err != nil {
		return nil, err
	}

	qcfg := jobqueue.QueueConfig{
		Validator: registry,
		Logger:    logger,
	}
	if cfg.Queue.VerifyArtifacts {
		qcfg.Artifacts = locator
	}
	queue, err := jobqueue.NewQueue(jobqueue.NewStore(cfg.Queue.JobsDir()), qcfg)
	if err != nil {
		_ = locator.Close()
		return nil, err
	}

	return &environment{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		profiles: destination.NewProfileStore(cfg.Queue.ProfilesDir, registry),
		locator:  locator,
		queue:    queue,
	}, nil
}

func (e *environment) Close() {
	_ = e.locator.Close()
}

// parseSettings turns repeated key=value flags into typed settings using the
// destination's declared types.
func parseSettings(registry *destination.Registry, dest string, pairs []string) (map[string]any, error) {
	settings := make(map[string]any, len(pairs))
	if len(pairs) == 0 {
		return settings, nil
	}
	d, err := registry.Resolve(dest)
	if err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q (expected key=value)", pair)
		}
		v, err := d.ParseSetting(key, raw)
		if err != nil {
			return nil, err
		}
		settings[key] = v
	}
	return settings, nil
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"transcoder/internal/config"
	"transcoder/internal/coordinator"
	"transcoder/internal/jobqueue"
	"transcoder/internal/logging"
	"transcoder/internal/tasks"
	"transcoder/internal/transcode"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// runtime is the in-process view of the store and queue used by maintenance
// commands.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *tasks.SQLiteStore
	queue  jobqueue.Queue
	coord  *coordinator.Coordinator
}

// withRuntime opens the task store and job queue for the duration of fn.
func (c *commandContext) withRuntime(fn func(*runtime) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Level:       "warn",
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store, err := tasks.Open(cfg.TasksDBPath())
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	queue, err := jobqueue.Open(cfg)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open job queue: %w", err)
	}
	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		store:  store,
		queue:  queue,
		coord: coordinator.New(cfg, store, queue, logger,
			coordinator.WithProber(transcode.NewFFmpeg(cfg, logger))),
	}
	runErr := fn(rt)
	return errors.Join(runErr, queue.Close(), store.Close())
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"volprep/internal/logging"
	"volprep/pkg/config"
	"volprep/pkg/datamodule"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string
	// configSet is true when --config was given on the command line
	configSet bool

	configOnce sync.Once
	config     *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

// ensureConfig loads and validates the configuration and builds the logger
// on first use. A missing file is an error when --config names it and falls
// back to the defaults otherwise.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := strings.TrimSpace(*c.configFlag)
		_, statErr := os.Stat(path)
		missing := errors.Is(statErr, fs.ErrNotExist)
		if missing && c.configSet {
			c.configErr = fmt.Errorf("config file %s not found", path)
			return
		}
		cfg, err := config.LoadConfig(path)
		if err != nil {
			c.configErr = err
			return
		}
		if lvl := strings.TrimSpace(*c.logLevelFlag); lvl != "" {
			cfg.Logging.Level = lvl
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		logger, closer, err := logging.New(logging.Options{
			Level:   cfg.Logging.Level,
			Format:  cfg.Logging.Format,
			File:    cfg.Logging.File,
			MaxSize: cfg.Logging.MaxSize,
			MaxAge:  cfg.Logging.MaxAge,
		})
		if err != nil {
			c.configErr = err
			return
		}
		if missing {
			logger.Info("configuration file not found, using defaults", "path", path)
		}
		c.config, c.logger, c.logCloser = cfg, logger, closer
	})
	return c.config, c.configErr
}

func (c *commandContext) dataModule() (*datamodule.DataModule, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return datamodule.New(cfg, datamodule.WithLogger(c.logger))
}

func (c *commandContext) close() error {
	if c.logCloser == nil {
		return nil
	}
	return c.logCloser.Close()
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

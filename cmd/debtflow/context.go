package main

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/petrijr/debtflow"
	"github.com/petrijr/debtflow/internal/config"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	logger     *slog.Logger
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureConfig loads configuration once and installs the configured logger
// as the slog default, writing to logOut.
func (c *commandContext) ensureConfig(logOut io.Writer) (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = cfg.NewLogger(logOut)
	})
	return c.config, c.configErr
}

func (c *commandContext) mustConfig() (*config.Config, *slog.Logger, error) {
	if c.config == nil {
		if c.configErr != nil {
			return nil, nil, c.configErr
		}
		return nil, nil, errors.New("configuration not loaded")
	}
	return c.config, c.logger, nil
}

// withBundle opens the configured backend for a one-shot command and closes
// it afterwards.
func (c *commandContext) withBundle(cmd *cobra.Command, fn func(*debtflow.WorkerBundle) error) error {
	cfg, logger, err := c.mustConfig()
	if err != nil {
		return err
	}
	bundle, closeBackend, err := openBundle(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	return errors.Join(fn(bundle), closeBackend())
}

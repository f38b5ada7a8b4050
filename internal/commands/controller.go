// Package commands contains the CLI commands for the application
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/okra-platform/authzfilter/internal/allocstats"
	"github.com/okra-platform/authzfilter/internal/config"
)

type Flags struct {
	LogLevel   string
	ConfigPath string
}

type Controller struct {
	Flags  *Flags
	Logger zerolog.Logger

	// Out receives user-facing output. Defaults to stdout.
	Out io.Writer
}

func (c *Controller) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

// loadConfig resolves the config path from the flags and loads it.
func (c *Controller) loadConfig() (*config.Config, string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}
	var flagPath string
	if c.Flags != nil {
		flagPath = c.Flags.ConfigPath
	}
	path, err := config.Find(flagPath, dir)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// selectInstrumentation returns the process instrumentation when the config
// asks for it and the binary was built with the allocstats tag.
func selectInstrumentation(enabled bool, logger zerolog.Logger) allocstats.Instrumentation {
	if !enabled {
		return allocstats.Noop{}
	}
	if !allocstats.Compiled {
		logger.Warn().Msg("authz.instrumentation is set but this binary was built without -tags allocstats; allocation counting is off")
		return allocstats.Noop{}
	}
	return allocstats.Process()
}

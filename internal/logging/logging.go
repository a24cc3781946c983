// Package logging configures the zerolog logger used across the workflow.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/skovachev/blueprint/internal/config"
)

// New returns a logger configured from cfg. Format "console" renders
// human-readable output for interactive runs, anything else emits JSON.
func New(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var out io.Writer = os.Stderr
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, nil
}

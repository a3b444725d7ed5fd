package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/version"
)

// Options configures the root logger
type Options struct {
	Level       string
	Environment string
	Output      io.Writer
	Buffer      *Buffer
}

// New builds the root logger. Development gets a console writer, every
// other environment JSON lines. When a buffer is given it receives the
// JSON lines as well.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Environment == config.EnvDevelopment {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	if opts.Buffer != nil {
		out = zerolog.MultiLevelWriter(out, opts.Buffer)
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("version", version.Version).
		Logger()
}

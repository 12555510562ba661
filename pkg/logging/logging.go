// Package logging builds the zerolog logger shared by every command.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Format selects how log lines are written
type Format string

const (
	// FormatAuto writes console output to a terminal and JSON otherwise
	FormatAuto    Format = "auto"
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Options configures New
type Options struct {
	Level  string
	Format Format
	// Out receives debug, info and warn lines; defaults to stdout
	Out io.Writer
	// Err receives error and more severe lines; defaults to stderr
	Err io.Writer
}

// ParseLevel parses a level name; the empty string is info
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// ParseFormat parses a format name; the empty string is auto
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatAuto, nil
	case FormatAuto, FormatConsole, FormatJSON:
		return f, nil
	}
	return FormatAuto, fmt.Errorf("invalid log format %q", s)
}

// New creates a logger. Errors go to a separate writer so that they stay
// visible when regular output is redirected.
func New(opts Options) (zerolog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	format, err := ParseFormat(string(opts.Format))
	if err != nil {
		return zerolog.Nop(), err
	}
	out, errOut := opts.Out, opts.Err
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if format == FormatAuto {
		format = FormatJSON
		if isTerminal(out) {
			format = FormatConsole
		}
	}
	if format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		errOut = zerolog.ConsoleWriter{Out: errOut, TimeFormat: time.RFC3339}
	}

	writer := zerolog.MultiLevelWriter(
		LevelWriter{Writer: out, Levels: []zerolog.Level{
			zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.NoLevel,
		}},
		LevelWriter{Writer: errOut, Levels: []zerolog.Level{
			zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel,
		}},
	)
	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// LevelWriter passes through only the lines of the listed levels
type LevelWriter struct {
	io.Writer
	Levels []zerolog.Level
}

func (w LevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	for _, l := range w.Levels {
		if l == level {
			return w.Write(p)
		}
	}
	return len(p), nil
}

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var L = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// Options controls where log lines go. An empty Path logs to stdout.
type Options struct {
	Path       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func Init(opts Options) error {
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stdout}
	if opts.Path != "" {
		w = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
	}
	L = zerolog.New(w).With().Timestamp().Logger()
	log.Logger = L
	return SetLevel(opts.Level)
}

// SetLevel changes the global level; empty means info.
func SetLevel(level string) error {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Info and Warn log a plain message for call sites with no fields to attach.
func Info(v ...interface{}) { L.Info().Msg(fmt.Sprint(v...)) }
func Warn(v ...interface{}) { L.Warn().Msg(fmt.Sprint(v...)) }

package global

import (
	"os"

	"github.com/rs/zerolog"

	"booth-agent/backend/config"
)

var (
	Config config.Config
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
)

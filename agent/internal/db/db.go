package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"booth-agent/agent/internal/logger"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Options selects the backing database. SQLite is the default and needs only Path.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// sqlite pragmas: WAL with full sync so a committed row survives power loss.
const sqliteParams = "_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on"

func Open(opts Options) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:  zerologGorm{slow: 500 * time.Millisecond},
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	switch strings.ToLower(opts.Driver) {
	case "", DriverSQLite:
		dsn := opts.DSN
		if dsn == "" {
			if opts.Path == "" {
				return nil, errors.New("sqlite store needs a path")
			}
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
				return nil, fmt.Errorf("mkdir store dir: %w", err)
			}
			dsn = "file:" + opts.Path + "?" + sqliteParams
		}
		gdb, err := gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", opts.Path, err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		// one writer keeps sqlite from returning SQLITE_BUSY under load
		sqlDB.SetMaxOpenConns(1)
		return gdb, nil
	case DriverMySQL:
		if opts.DSN == "" {
			return nil, errors.New("mysql store needs a dsn")
		}
		gdb, err := gorm.Open(mysql.Open(opts.DSN), cfg)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		return gdb, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
}

// Migrate creates or updates every table the agent uses.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&QueuedCommand{}, &Setting{})
}

func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// zerologGorm routes gorm's own logging into the agent logger. Statements are
// not logged since bound values may include response bodies.
type zerologGorm struct {
	slow time.Duration
}

func (z zerologGorm) LogMode(gormlogger.LogLevel) gormlogger.Interface { return z }

func (zerologGorm) Info(_ context.Context, msg string, args ...interface{}) {
	logger.L.Debug().Str("component", "gorm").Msgf(msg, args...)
}

func (zerologGorm) Warn(_ context.Context, msg string, args ...interface{}) {
	logger.L.Warn().Str("component", "gorm").Msgf(msg, args...)
}

func (zerologGorm) Error(_ context.Context, msg string, args ...interface{}) {
	logger.L.Error().Str("component", "gorm").Msgf(msg, args...)
}

func (z zerologGorm) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		_, rows := fc()
		logger.L.Error().Str("component", "gorm").Err(err).Dur("elapsed", elapsed).Int64("rows", rows).Msg("query failed")
	case z.slow > 0 && elapsed > z.slow:
		_, rows := fc()
		logger.L.Warn().Str("component", "gorm").Dur("elapsed", elapsed).Int64("rows", rows).Msg("slow query")
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"booth-agent/agent/internal/auth"
	"booth-agent/agent/internal/config"
	"booth-agent/agent/internal/connection"
	"booth-agent/agent/internal/db"
	"booth-agent/agent/internal/device"
	"booth-agent/agent/internal/dispatch"
	"booth-agent/agent/internal/logger"
	"booth-agent/agent/internal/queue"
	"booth-agent/agent/internal/state"
)

// Version is reported to the cloud at registration. Set with -ldflags.
var Version = "dev"

// Agent supervises the store, the device services, the dispatcher and the
// cloud channel as one process.
type Agent struct {
	cfg      config.AppConfig
	gdb      *gorm.DB
	store    *queue.Store
	devices  *device.Registry
	identity state.Identity
	disp     *dispatch.Dispatcher
	channel  *connection.Channel
	health   *health

	closeOnce sync.Once
}

// New opens the durable store, recovers commands interrupted by a previous
// run, builds the devices and establishes the agent identity. Errors here are
// infrastructure errors and the caller may exit on them.
func New(ctx context.Context, cfg config.AppConfig) (*Agent, error) {
	gdb, err := db.Open(db.Options{Driver: cfg.Store.Driver, Path: cfg.Store.Path, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &Agent{cfg: cfg, gdb: gdb}
	fail := func(err error) (*Agent, error) {
		_ = a.Close()
		return nil, err
	}

	a.store = queue.New(gdb, queue.Options{MaxPendingAge: cfg.Store.MaxPendingAge})
	recovered, err := a.store.Initialize(ctx)
	if err != nil {
		return fail(fmt.Errorf("initialize store: %w", err))
	}
	if recovered > 0 {
		logger.L.Warn().Int("count", recovered).Msg("commands interrupted by the previous run marked failed")
	}

	a.devices, err = device.NewRegistry(cfg.Devices)
	if err != nil {
		return fail(fmt.Errorf("devices: %w", err))
	}
	inventory := cfg.Inventory
	if inventory == "" {
		inventory = a.devices.Inventory()
	}
	a.identity, err = state.Establish(ctx, gdb, cfg.TenantID, cfg.AgentID, inventory)
	if err != nil {
		return fail(fmt.Errorf("identity: %w", err))
	}

	a.disp = dispatch.New(a.store, a.devices, dispatch.Options{
		MaxAttempts:         cfg.Dispatch.MaxAttempts,
		BackoffBase:         cfg.Dispatch.BackoffBase,
		BackoffMax:          cfg.Dispatch.BackoffMax,
		DefaultTimeout:      cfg.Dispatch.DefaultTimeout,
		SweepInterval:       cfg.Dispatch.SweepInterval,
		DeliveryInterval:    cfg.Dispatch.DeliveryInterval,
		Retention:           cfg.Store.Retention,
		ExecuteWhileOffline: cfg.Dispatch.ExecuteWhileOffline,
	})

	var signer *auth.Signer
	if cfg.Cloud.SharedSecret != "" {
		signer = auth.NewSigner(cfg.Cloud.SharedSecret, 0)
	}
	a.health = newHealth(a.devices, a.disp, cfg.HealthInterval)
	a.channel = connection.New(a.identity, connection.Options{
		URL:                cfg.Cloud.URL,
		Signer:             signer,
		Version:            Version,
		ConnectTimeout:     cfg.Cloud.ConnectTimeout,
		HeartbeatInterval:  cfg.Cloud.HeartbeatInterval,
		HeartbeatMissLimit: cfg.Cloud.HeartbeatMissLimit,
		ReconnectBase:      cfg.Cloud.Reconnect.BaseDelay,
		ReconnectMax:       cfg.Cloud.Reconnect.MaxDelay,
		ReconnectFactor:    cfg.Cloud.Reconnect.Multiplier,
		OnStateChange: func(_, to connection.State) {
			if to == connection.StateConnected {
				a.health.resend()
			}
		},
	}, a.disp)
	a.health.channel = a.channel
	a.disp.Attach(a.channel)

	logger.L.Info().Str("agent", a.identity.String()).Int("devices", len(a.devices.All())).Msg("agent ready")
	return a, nil
}

func (a *Agent) Identity() state.Identity { return a.identity }

func (a *Agent) Store() *queue.Store { return a.store }

// DeviceStatuses returns the last health check result per device id.
func (a *Agent) DeviceStatuses() map[string]device.Status { return a.health.statuses() }

// Connected reports whether the cloud channel is up.
func (a *Agent) Connected() bool { return a.channel.Connected() }

// Run starts the dispatcher, the cloud channel, the health loop and the
// config watcher, and blocks until ctx ends. Commands already running on a
// device are allowed to finish before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.disp.Run(gctx) })
	g.Go(func() error { return a.channel.Run(gctx) })
	g.Go(func() error { return a.health.run(gctx) })
	if a.cfg.File != "" {
		if _, err := os.Stat(a.cfg.File); err == nil {
			g.Go(func() error {
				err := config.Watch(gctx, a.cfg.File, a.reload, func(err error) {
					logger.L.Warn().Err(err).Msg("config reload failed")
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.L.Warn().Err(err).Msg("config watcher stopped")
				}
				return nil
			})
		}
	}
	err := g.Wait()
	logger.L.Info().Msg("agent stopped")
	return err
}

// reload applies what can change at runtime and flags the rest.
func (a *Agent) reload(next config.AppConfig) {
	if next.Log.Level != a.cfg.Log.Level {
		if err := logger.SetLevel(next.Log.Level); err != nil {
			logger.L.Warn().Err(err).Str("level", next.Log.Level).Msg("log level not changed")
		} else {
			logger.L.Info().Str("level", next.Log.Level).Msg("log level changed")
		}
	}
	cur, upd := a.cfg, next
	cur.Log.Level, upd.Log.Level = "", ""
	if !reflect.DeepEqual(cur, upd) {
		logger.L.Warn().Msg("configuration changed; restart the agent to apply it")
	}
	a.cfg.Log.Level = next.Log.Level
}

// Close releases devices and the store. The store keeps its contents.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.devices != nil {
			err = errors.Join(err, a.devices.Close())
		}
		if a.gdb != nil {
			err = errors.Join(err, db.Close(a.gdb))
		}
	})
	return err
}

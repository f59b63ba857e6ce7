package service

import (
	"context"
	"sync"
	"time"

	"booth-agent/agent/internal/connection"
	"booth-agent/agent/internal/device"
	"booth-agent/agent/internal/dispatch"
	"booth-agent/agent/internal/logger"
)

const pingTimeout = 5 * time.Second

type statusSender interface {
	State() connection.State
	Connected() bool
	SendDeviceStatus(ctx context.Context, deviceID, status, detail string) error
}

// health periodically checks the channel and pings every device, pushing
// device status changes to the cloud.
type health struct {
	devices  *device.Registry
	disp     *dispatch.Dispatcher
	channel  statusSender
	interval time.Duration
	kick     chan struct{}

	mu       sync.Mutex
	last     map[string]device.Status
	reported map[string]device.Status
}

func newHealth(devices *device.Registry, disp *dispatch.Dispatcher, interval time.Duration) *health {
	if interval <= 0 {
		interval = time.Minute
	}
	return &health{
		devices:  devices,
		disp:     disp,
		interval: interval,
		kick:     make(chan struct{}, 1),
		last:     map[string]device.Status{},
		reported: map[string]device.Status{},
	}
}

func (h *health) run(ctx context.Context) error {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		h.check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-h.kick:
		}
	}
}

// resend forgets what the cloud was told and runs a check right away.
func (h *health) resend() {
	h.mu.Lock()
	h.reported = map[string]device.Status{}
	h.mu.Unlock()
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

func (h *health) check(ctx context.Context) {
	if !h.channel.Connected() {
		logger.L.Warn().Str("state", string(h.channel.State())).Msg("cloud channel degraded")
	}

	var wg sync.WaitGroup
	for _, svc := range h.devices.All() {
		if h.disp.Busy(svc.ID()) {
			h.observe(ctx, svc.ID(), device.StatusBusy, "")
			continue
		}
		wg.Add(1)
		go func(svc device.Service) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			st, err := svc.Ping(pctx)
			detail := ""
			if err != nil {
				st, detail = device.StatusOffline, err.Error()
			}
			h.observe(ctx, svc.ID(), st, detail)
		}(svc)
	}
	wg.Wait()
}

func (h *health) observe(ctx context.Context, id string, st device.Status, detail string) {
	h.mu.Lock()
	prev, seen := h.last[id]
	h.last[id] = st
	pushed := h.reported[id] == st
	h.mu.Unlock()

	if !seen || prev != st {
		ev := logger.L.Info()
		if st == device.StatusOffline {
			ev = logger.L.Warn().Str("detail", detail)
		}
		ev.Str("device_id", id).Str("status", string(st)).Msg("device status")
	}
	if pushed || !h.channel.Connected() {
		return
	}
	if err := h.channel.SendDeviceStatus(ctx, id, string(st), detail); err != nil {
		logger.L.Debug().Err(err).Str("device_id", id).Msg("device status not sent")
		return
	}
	h.mu.Lock()
	h.reported[id] = st
	h.mu.Unlock()
}

// statuses returns the last observed status of every device.
func (h *health) statuses() map[string]device.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]device.Status, len(h.last))
	for k, v := range h.last {
		out[k] = v
	}
	return out
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"booth-agent/agent/internal/command"
	"booth-agent/agent/internal/device"
	"booth-agent/agent/internal/logger"
	"booth-agent/agent/internal/queue"
	"booth-agent/network"
)

// Resolver maps a command to the device service that runs it.
type Resolver interface {
	Resolve(cmd *command.Command) (device.Service, error)
}

// Publisher carries results to the cloud.
type Publisher interface {
	Connected() bool
	SendResult(ctx context.Context, resp *command.Response) error
}

type Options struct {
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	DefaultTimeout      time.Duration
	SweepInterval       time.Duration
	DeliveryInterval    time.Duration
	Retention           time.Duration
	ExecuteWhileOffline bool
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = 10 * o.BackoffBase
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.DeliveryInterval <= 0 {
		o.DeliveryInterval = 15 * time.Second
	}
}

// Dispatcher is the single entry point for executing commands. Commands for
// one device run strictly one at a time in arrival order; different devices
// run concurrently.
type Dispatcher struct {
	store   *queue.Store
	devices Resolver
	opts    Options
	now     func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	pub       Publisher
	lanes     map[string]*lane
	scheduled map[string]bool
	active    map[string]bool
	busy      map[string]int
}

func New(store *queue.Store, devices Resolver, opts Options) *Dispatcher {
	opts.defaults()
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     store,
		devices:   devices,
		opts:      opts,
		now:       time.Now,
		base:      base,
		cancel:    cancel,
		lanes:     map[string]*lane{},
		scheduled: map[string]bool{},
		active:    map[string]bool{},
		busy:      map[string]int{},
	}
}

// Attach sets the result publisher. It is normally the cloud channel.
func (d *Dispatcher) Attach(p Publisher) {
	d.mu.Lock()
	d.pub = p
	d.mu.Unlock()
}

func (d *Dispatcher) publisher() Publisher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pub
}

func (d *Dispatcher) online() bool {
	p := d.publisher()
	return p != nil && p.Connected()
}

// Run drives the expiry sweep and result delivery until ctx ends, then stops
// the device lanes and waits for them.
func (d *Dispatcher) Run(ctx context.Context) error {
	sweep := time.NewTicker(d.opts.SweepInterval)
	deliver := time.NewTicker(d.opts.DeliveryInterval)
	defer sweep.Stop()
	defer deliver.Stop()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cancel()
			d.mu.Unlock()
			d.wg.Wait()
			return nil
		case <-sweep.C:
			if err := d.Sweep(ctx); err != nil {
				logger.L.Error().Err(err).Msg("expiry sweep failed")
			}
		case <-deliver.C:
			if err := d.Redeliver(ctx); err != nil {
				logger.L.Error().Err(err).Msg("result redelivery failed")
			}
			if d.opts.Retention > 0 {
				n, err := d.store.PurgeDelivered(ctx, d.now().Add(-d.opts.Retention))
				if err != nil {
					logger.L.Error().Err(err).Msg("purge delivered entries failed")
				} else if n > 0 {
					logger.L.Info().Int64("purged", n).Msg("purged delivered entries")
				}
			}
		}
	}
}

// Submit durably records cmd and schedules it. Only store failures are
// returned; every per-command problem becomes a failed response.
func (d *Dispatcher) Submit(ctx context.Context, cmd *command.Command) error {
	if cmd.ID == "" {
		logger.L.Warn().Str("kind", string(cmd.Kind)).Msg("dropping command without id")
		return command.ErrMissingID
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = d.now().UTC()
	}
	created, err := d.store.Enqueue(ctx, cmd)
	if err != nil {
		return err
	}
	log := logger.L.With().Str("command_id", cmd.ID).Str("kind", string(cmd.Kind)).Logger()
	if !created {
		entry, err := d.store.Get(ctx, cmd.ID)
		if err != nil {
			return err
		}
		log.Info().Str("state", string(entry.State)).Msg("duplicate command ignored")
		if entry.State.Final() && entry.Deliverable && entry.Response != nil {
			d.publish(ctx, entry.Response)
		}
		return nil
	}
	log.Info().Str("provider", cmd.ProviderID).Msg("command queued")

	if err := cmd.Validate(); err != nil {
		return d.failPending(ctx, cmd.ID, command.CodeInvalidPayload, err.Error())
	}
	if !d.opts.ExecuteWhileOffline && !d.online() {
		log.Info().Msg("channel offline, command held for replay")
		return nil
	}
	return d.schedule(ctx, cmd)
}

// Replay runs when the channel reaches Connected, before any new inbound
// command is read: undelivered results are resent and pending entries are
// queued on their device lanes, both in enqueue order. The ordering holds per
// device: a new command lands behind every replayed one on its own lane, but
// may start before a replayed command for a different device.
func (d *Dispatcher) Replay(ctx context.Context) error {
	if err := d.Redeliver(ctx); err != nil {
		return err
	}
	pending, err := d.store.GetPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		logger.L.Info().Int("count", len(pending)).Msg("replaying pending commands")
	}
	for i := range pending {
		if err := d.schedule(ctx, &pending[i].Command); err != nil {
			return err
		}
	}
	return nil
}

// Redeliver resends every result the cloud has not acknowledged yet.
func (d *Dispatcher) Redeliver(ctx context.Context) error {
	if !d.online() {
		return nil
	}
	entries, err := d.store.GetUndelivered(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Response == nil {
			continue
		}
		if err := d.publisher().SendResult(ctx, e.Response); err != nil {
			return fmt.Errorf("redeliver %s: %w", e.Command.ID, err)
		}
	}
	return nil
}

// Acknowledge marks a result as received by the cloud.
func (d *Dispatcher) Acknowledge(ctx context.Context, commandID string) error {
	return d.store.MarkDelivered(ctx, commandID)
}

// Sweep expires entries nobody is executing: in-flight entries past their
// deadline (left behind by a lost lane) and pending entries older than the
// store's pending age limit.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	expired, err := d.store.GetExpired(ctx, d.now())
	if err != nil {
		return err
	}
	for _, e := range expired {
		d.mu.Lock()
		busy := d.active[e.Command.ID]
		d.mu.Unlock()
		if busy {
			continue
		}
		code, msg := command.CodeExpired, "command waited too long to be executed"
		if e.State == queue.StateInFlight {
			code, msg = command.CodeTimeout, "no device response before the command timeout"
		}
		resp := command.Failed(e.Command.ID, code, msg, d.now().UTC())
		if err := d.store.Expire(ctx, e.Command.ID, resp); err != nil {
			if errors.Is(err, queue.ErrInvalidTransition) {
				continue
			}
			return err
		}
		logger.L.Warn().Str("command_id", e.Command.ID).Str("code", code).Msg("command expired")
		d.publish(ctx, resp)
	}
	return nil
}

func (d *Dispatcher) schedule(ctx context.Context, cmd *command.Command) error {
	svc, err := d.devices.Resolve(cmd)
	if err != nil {
		return d.failPending(ctx, cmd.ID, command.CodeUnknownProvider, err.Error())
	}
	d.mu.Lock()
	if d.scheduled[cmd.ID] {
		d.mu.Unlock()
		return nil
	}
	d.scheduled[cmd.ID] = true
	l := d.laneLocked(svc)
	d.mu.Unlock()
	l.push(cmd.ID)
	return nil
}

func (d *Dispatcher) failPending(ctx context.Context, id, code, msg string) error {
	resp := command.Failed(id, code, msg, d.now().UTC())
	if err := d.store.Fail(ctx, id, resp); err != nil {
		return err
	}
	logger.L.Warn().Str("command_id", id).Str("code", code).Msg(msg)
	d.publish(ctx, resp)
	return nil
}

// publish is best effort; the delivery loop retries until the cloud acks.
func (d *Dispatcher) publish(ctx context.Context, resp *command.Response) {
	p := d.publisher()
	if p == nil || !p.Connected() {
		return
	}
	if err := p.SendResult(ctx, resp); err != nil {
		logger.L.Warn().Err(err).Str("command_id", resp.CommandID).Msg("result not sent, will retry")
	}
}

// execute runs one entry on its lane. It returns only after the device call
// has returned, so the next command on the device never overlaps it.
func (d *Dispatcher) execute(svc device.Service, id string) {
	d.mu.Lock()
	delete(d.scheduled, id)
	d.mu.Unlock()

	ctx := d.base
	entry, err := d.store.Get(ctx, id)
	if err != nil {
		logger.L.Error().Err(err).Str("command_id", id).Msg("load queued command")
		return
	}
	if entry.State != queue.StatePending {
		return
	}
	cmd := entry.Command
	timeout := cmd.TimeoutOr(d.opts.DefaultTimeout)
	if err := d.store.MarkInFlight(ctx, id, timeout); err != nil {
		if !errors.Is(err, queue.ErrInvalidTransition) {
			logger.L.Error().Err(err).Str("command_id", id).Msg("mark in flight")
		}
		return
	}
	d.mu.Lock()
	d.active[id] = true
	d.busy[svc.ID()]++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, id)
		if d.busy[svc.ID()]--; d.busy[svc.ID()] <= 0 {
			delete(d.busy, svc.ID())
		}
		d.mu.Unlock()
	}()

	log := logger.L.With().Str("command_id", id).Str("device_id", svc.ID()).Str("kind", string(cmd.Kind)).Logger()
	log.Info().Dur("timeout", timeout).Msg("executing command")

	// stopping the agent does not cut a running command short
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	type outcome struct {
		resp *command.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := d.attempt(execCtx, svc, &cmd)
		done <- outcome{resp, err}
	}()

	sctx := context.WithoutCancel(ctx)
	var out outcome
	select {
	case out = <-done:
	case <-execCtx.Done():
		d.settle(sctx, &cmd, nil, execCtx.Err())
		// the device is not killed; wait for it to let go of the link
		late := <-done
		if late.err == nil && late.resp != nil {
			log.Warn().Msg("late device result discarded")
		}
		return
	}
	if out.err != nil && execCtx.Err() != nil {
		out.err = execCtx.Err()
	}
	d.settle(sctx, &cmd, out.resp, out.err)
}

// attempt calls the device, retrying only transport faults with exponential backoff.
func (d *Dispatcher) attempt(ctx context.Context, svc device.Service, cmd *command.Command) (*command.Response, error) {
	tries := d.opts.MaxAttempts
	if cmd.MaxAttempts > 0 {
		tries = cmd.MaxAttempts
	} else if rl, ok := svc.(interface{ MaxRetries() int }); ok && rl.MaxRetries() > 0 {
		tries = rl.MaxRetries() + 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.opts.BackoffBase
	bo.MaxInterval = d.opts.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1

	n := 0
	op := func() (*command.Response, error) {
		n++
		if err := d.store.RecordAttempt(ctx, cmd.ID, ""); err != nil && !errors.Is(err, queue.ErrInvalidTransition) {
			return nil, backoff.Permanent(err)
		}
		resp, err := svc.Execute(ctx, cmd)
		if err == nil {
			return resp, nil
		}
		if !network.IsCommunication(err) {
			return nil, backoff.Permanent(err)
		}
		logger.L.Warn().Err(err).Str("command_id", cmd.ID).Int("attempt", n).Int("max_attempts", tries).Msg("device communication failed")
		return nil, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithMaxElapsedTime(0),
	)
}

// settle records the outcome of an execution. A result that loses the race
// with the timeout finds the entry already expired and is dropped.
func (d *Dispatcher) settle(ctx context.Context, cmd *command.Command, resp *command.Response, err error) {
	log := logger.L.With().Str("command_id", cmd.ID).Logger()
	now := d.now().UTC()
	var ce *device.ComplianceError

	switch {
	case err == nil:
		if serr := d.store.Complete(ctx, cmd.ID, resp); serr != nil {
			log.Warn().Err(serr).Msg("result not recorded")
			return
		}
		log.Info().Bool("success", resp.Success).Str("code", resp.ErrorCode).Msg("command finished")
		d.publish(ctx, resp)

	case errors.As(err, &ce):
		if serr := d.store.Reject(ctx, cmd.ID, fmt.Sprintf("%s rejected: %s", ce.Field, ce.Reason)); serr != nil {
			log.Error().Err(serr).Msg("record compliance rejection")
		}

	case errors.Is(err, context.DeadlineExceeded):
		resp := command.Failed(cmd.ID, command.CodeTimeout, "no device response before the command timeout", now)
		if serr := d.store.Expire(ctx, cmd.ID, resp); serr != nil {
			log.Warn().Err(serr).Msg("timeout not recorded")
			return
		}
		log.Warn().Msg("command timed out")
		d.publish(ctx, resp)

	default:
		code := command.CodeDeviceError
		if network.IsCommunication(err) {
			code = command.CodeCommunication
		}
		resp := command.Failed(cmd.ID, code, err.Error(), now)
		if serr := d.store.Fail(ctx, cmd.ID, resp); serr != nil {
			log.Warn().Err(serr).Msg("failure not recorded")
			return
		}
		log.Warn().Err(err).Msg("command failed")
		d.publish(ctx, resp)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"booth-agent/agent/internal/command"
	"booth-agent/agent/internal/db"
	"booth-agent/agent/internal/logger"
)

// State is the lifecycle position of a queue entry.
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// Final reports whether no further execution happens for the entry.
func (s State) Final() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

var (
	ErrNotFound          = errors.New("queue entry not found")
	ErrInvalidTransition = errors.New("invalid queue state transition")
)

// Entry is a decoded queue row.
type Entry struct {
	Seq         uint64
	Command     command.Command
	State       State
	Attempts    int
	Response    *command.Response
	LastError   string
	Deliverable bool
	Delivered   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
	DeliveredAt *time.Time
}

type Options struct {
	// MaxPendingAge bounds how long an entry may wait in pending before
	// GetExpired reports it. Zero disables the bound.
	MaxPendingAge time.Duration
}

// Store is the durable command queue. Every mutating call commits before it
// returns.
type Store struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
}

func New(gdb *gorm.DB, opts Options) *Store {
	return &Store{db: gdb, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// Initialize creates the schema and settles entries a previous process left
// in flight: they become failed with INTERRUPTED. They are not re-executed
// because the device may already have acted on them. Safe to call repeatedly.
func (s *Store) Initialize(ctx context.Context) (int, error) {
	if err := db.Migrate(s.db.WithContext(ctx)); err != nil {
		return 0, fmt.Errorf("migrate queue: %w", err)
	}
	var stuck []db.QueuedCommand
	if err := s.db.WithContext(ctx).Where("state = ?", StateInFlight).Order("seq").Find(&stuck).Error; err != nil {
		return 0, err
	}
	for _, row := range stuck {
		resp := command.Failed(row.CommandID, command.CodeInterrupted, "agent restarted while the command was executing", s.now())
		if err := s.finish(ctx, row.CommandID, []State{StateInFlight}, StateFailed, resp, true); err != nil {
			return 0, err
		}
		logger.L.Warn().Str("command_id", row.CommandID).Msg("in-flight command interrupted by restart")
	}
	return len(stuck), nil
}

// Enqueue stores cmd as pending. It reports false, without error, when the
// command id is already known.
func (s *Store) Enqueue(ctx context.Context, cmd *command.Command) (bool, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return false, err
	}
	row := db.QueuedCommand{
		CommandID:  cmd.ID,
		TenantID:   cmd.TenantID,
		ProviderID: cmd.ProviderID,
		DeviceID:   cmd.DeviceID,
		Kind:       string(cmd.Kind),
		Command:    body,
		State:      string(StatePending),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "command_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("enqueue %s: %w", cmd.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	var row db.QueuedCommand
	err := s.db.WithContext(ctx).Where("command_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRow(row)
}

// MarkInFlight moves a pending entry to in_flight and starts its timeout.
func (s *Store) MarkInFlight(ctx context.Context, id string, timeout time.Duration) error {
	now := s.now()
	deadline := now.Add(timeout)
	return s.transition(ctx, id, []State{StatePending}, map[string]any{
		"state":      StateInFlight,
		"expires_at": &deadline,
		"updated_at": now,
	})
}

// RecordAttempt counts one execution attempt of an in-flight entry.
func (s *Store) RecordAttempt(ctx context.Context, id, lastErr string) error {
	return s.transition(ctx, id, []State{StateInFlight}, map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": truncate(lastErr, 1024),
		"updated_at": s.now(),
	})
}

// Complete stores the device response of an in-flight entry. A result for an
// entry that already timed out is refused with ErrInvalidTransition.
func (s *Store) Complete(ctx context.Context, id string, resp *command.Response) error {
	state := StateCompleted
	if !resp.Success {
		state = StateFailed
	}
	return s.finish(ctx, id, []State{StateInFlight}, state, resp, true)
}

// Fail records a failed response for a pending or in-flight entry.
func (s *Store) Fail(ctx context.Context, id string, resp *command.Response) error {
	return s.finish(ctx, id, []State{StatePending, StateInFlight}, StateFailed, resp, true)
}

// Reject records a compliance failure. The entry is final and never
// delivered; nothing about it leaves the agent.
func (s *Store) Reject(ctx context.Context, id, reason string) error {
	resp := command.Failed(id, command.CodeComplianceRejected, reason, s.now())
	return s.finish(ctx, id, []State{StatePending, StateInFlight}, StateFailed, resp, false)
}

// Expire records a timeout or age failure for an entry that never produced a result.
func (s *Store) Expire(ctx context.Context, id string, resp *command.Response) error {
	return s.finish(ctx, id, []State{StatePending, StateInFlight}, StateExpired, resp, true)
}

func (s *Store) finish(ctx context.Context, id string, from []State, to State, resp *command.Response, deliverable bool) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	fields := map[string]any{
		"state":       to,
		"response":    body,
		"deliverable": deliverable,
		"updated_at":  s.now(),
	}
	if !resp.Success {
		fields["last_error"] = truncate(resp.ErrorCode+": "+resp.ErrorMessage, 1024)
	}
	return s.transition(ctx, id, from, fields)
}

func (s *Store) transition(ctx context.Context, id string, from []State, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&db.QueuedCommand{}).
		Where("command_id = ? AND state IN ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, cur.State)
}

// GetPending returns pending entries in enqueue order.
func (s *Store) GetPending(ctx context.Context) ([]Entry, error) {
	return s.find(ctx, s.db.Where("state = ?", StatePending))
}

// GetExpired returns in-flight entries past their deadline and pending
// entries older than MaxPendingAge, in enqueue order.
func (s *Store) GetExpired(ctx context.Context, now time.Time) ([]Entry, error) {
	now = now.UTC()
	q := s.db.Where("state = ? AND expires_at <= ?", StateInFlight, now)
	if s.opts.MaxPendingAge > 0 {
		q = q.Or("state = ? AND created_at <= ?", StatePending, now.Add(-s.opts.MaxPendingAge))
	}
	return s.find(ctx, q)
}

// GetUndelivered returns final, deliverable entries the cloud has not acknowledged.
func (s *Store) GetUndelivered(ctx context.Context) ([]Entry, error) {
	return s.find(ctx, s.db.Where("state IN ? AND deliverable = ? AND delivered = ?",
		[]State{StateCompleted, StateFailed, StateExpired}, true, false))
}

// MarkDelivered records the cloud's acknowledgement of an entry's result.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&db.QueuedCommand{}).
		Where("command_id = ? AND state IN ? AND deliverable = ?", id, []State{StateCompleted, StateFailed, StateExpired}, true).
		Updates(map[string]any{"delivered": true, "delivered_at": &now, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s has no deliverable result", ErrInvalidTransition, id)
	}
	return nil
}

// Purge deletes one entry.
func (s *Store) Purge(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("command_id = ?", id).Delete(&db.QueuedCommand{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// PurgeDelivered deletes delivered entries acknowledged before cutoff, and
// undeliverable final entries last touched before it.
func (s *Store) PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	cond := s.db.Where("delivered = ? AND delivered_at <= ?", true, cutoff).
		Or("deliverable = ? AND state IN ? AND updated_at <= ?", false, []State{StateCompleted, StateFailed, StateExpired}, cutoff)
	res := s.db.WithContext(ctx).Where(cond).Delete(&db.QueuedCommand{})
	return res.RowsAffected, res.Error
}

// ListOptions filters List. Zero values mean no filter.
type ListOptions struct {
	States []State
	Limit  int
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	q := s.db.WithContext(ctx).Order("seq DESC")
	if len(opts.States) > 0 {
		q = q.Where("state IN ?", opts.States)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var rows []db.QueuedCommand
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

// Counts returns the number of entries per state.
func (s *Store) Counts(ctx context.Context) (map[State]int64, error) {
	var out []struct {
		State string
		N     int64
	}
	err := s.db.WithContext(ctx).Model(&db.QueuedCommand{}).
		Select("state, count(*) as n").Group("state").Scan(&out).Error
	if err != nil {
		return nil, err
	}
	m := make(map[State]int64, len(out))
	for _, r := range out {
		m[State(r.State)] = r.N
	}
	return m, nil
}

func (s *Store) find(ctx context.Context, q *gorm.DB) ([]Entry, error) {
	var rows []db.QueuedCommand
	if err := s.db.WithContext(ctx).Where(q).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

func decodeRows(rows []db.QueuedCommand) ([]Entry, error) {
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := decodeRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func decodeRow(r db.QueuedCommand) (*Entry, error) {
	e := &Entry{
		Seq:         r.Seq,
		State:       State(r.State),
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		Deliverable: r.Deliverable,
		Delivered:   r.Delivered,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ExpiresAt:   r.ExpiresAt,
		DeliveredAt: r.DeliveredAt,
	}
	if err := json.Unmarshal(r.Command, &e.Command); err != nil {
		return nil, fmt.Errorf("decode stored command %s: %w", r.CommandID, err)
	}
	if len(r.Response) > 0 {
		e.Response = &command.Response{}
		if err := json.Unmarshal(r.Response, e.Response); err != nil {
			return nil, fmt.Errorf("decode stored response %s: %w", r.CommandID, err)
		}
	}
	return e, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

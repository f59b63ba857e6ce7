package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booth-agent/agent/internal/command"
	"booth-agent/agent/internal/db"
	"booth-agent/agent/internal/device"
	"booth-agent/agent/internal/queue"
	"booth-agent/network"
)

type call struct {
	id         string
	start, end time.Time
}

// fakeService records executions and delegates to exec.
type fakeService struct {
	id, provider string
	exec         func(ctx context.Context, cmd *command.Command) (*command.Response, error)

	mu      sync.Mutex
	calls   []call
	running atomic.Int32
	overlap atomic.Bool
}

func (f *fakeService) ID() string                 { return f.id }
func (f *fakeService) Provider() string           { return f.provider }
func (f *fakeService) Kind() device.Kind          { return device.KindPrinter }
func (f *fakeService) Supports(command.Kind) bool { return true }
func (f *fakeService) Close() error               { return nil }
func (f *fakeService) Ping(context.Context) (device.Status, error) {
	return device.StatusOnline, nil
}

func (f *fakeService) Execute(ctx context.Context, cmd *command.Command) (*command.Response, error) {
	if f.running.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.running.Add(-1)
	start := time.Now()
	var resp *command.Response
	var err error
	if f.exec != nil {
		resp, err = f.exec(ctx, cmd)
	} else {
		resp = command.Succeeded(cmd.ID, time.Now())
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{id: cmd.ID, start: start, end: time.Now()})
	f.mu.Unlock()
	return resp, err
}

func (f *fakeService) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakePub struct {
	mu        sync.Mutex
	connected bool
	results   []*command.Response
}

func (p *fakePub) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePub) SetConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *fakePub) SendResult(ctx context.Context, resp *command.Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, resp)
	return nil
}

func (p *fakePub) Results() []*command.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*command.Response(nil), p.results...)
}

func (p *fakePub) ResultFor(id string) *command.Response {
	for _, r := range p.Results() {
		if r.CommandID == id {
			return r
		}
	}
	return nil
}

type harness struct {
	d     *Dispatcher
	store *queue.Store
	pub   *fakePub
	stop  context.CancelFunc
	done  chan struct{}
}

func setup(t *testing.T, opts Options, svcs ...device.Service) *harness {
	t.Helper()
	gdb, err := db.Open(db.Options{Path: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	store := queue.New(gdb, queue.Options{MaxPendingAge: time.Hour})
	_, err = store.Initialize(context.Background())
	require.NoError(t, err)

	reg, err := device.RegistryOf(svcs...)
	require.NoError(t, err)

	if opts.BackoffBase == 0 {
		opts.BackoffBase = 5 * time.Millisecond
		opts.BackoffMax = 20 * time.Millisecond
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Hour
		opts.DeliveryInterval = time.Hour
	}
	d := New(store, reg, opts)
	pub := &fakePub{connected: true}
	d.Attach(pub)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{d: d, store: store, pub: pub, stop: cancel, done: make(chan struct{})}
	go func() {
		_ = d.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.shutdown)
	return h
}

func (h *harness) shutdown() {
	h.stop()
	<-h.done
}

func newCmd(id, provider string) *command.Command {
	return &command.Command{
		ID: id, TenantID: "t-1", ProviderID: provider, Kind: command.KindPrinterStatus,
		Payload: json.RawMessage(`{}`), Timeout: command.Duration(5 * time.Second),
	}
}

func (h *harness) waitState(t *testing.T, id string, want queue.State) *queue.Entry {
	t.Helper()
	var e *queue.Entry
	require.Eventually(t, func() bool {
		var err error
		e, err = h.store.Get(context.Background(), id)
		return err == nil && e.State == want
	}, 5*time.Second, 10*time.Millisecond, "command %s never reached %s", id, want)
	return e
}

func TestSameDeviceRunsSerially(t *testing.T) {
	slow := func(ctx context.Context, cmd *command.Command) (*command.Response, error) {
		time.Sleep(40 * time.Millisecond)
		return command.Succeeded(cmd.ID, time.Now()), nil
	}
	a := &fakeService{id: "fp-a", provider: "posnet", exec: slow}
	b := &fakeService{id: "fp-b", provider: "elzab", exec: slow}
	h := setup(t, Options{}, a, b)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, h.d.Submit(ctx, newCmd(fmt.Sprintf("a-%d", i), "posnet")))
	}
	require.NoError(t, h.d.Submit(ctx, newCmd("b-0", "elzab")))
	h.waitState(t, "a-3", queue.StateCompleted)
	h.waitState(t, "b-0", queue.StateCompleted)

	calls := a.Calls()
	require.Len(t, calls, 4)
	for i, c := range calls {
		assert.Equal(t, fmt.Sprintf("a-%d", i), c.id)
		if i > 0 {
			assert.False(t, c.start.Before(calls[i-1].end), "a-%d started before a-%d finished", i, i-1)
		}
	}
	assert.False(t, a.overlap.Load())

	// the other device did not wait for the whole first lane
	bc := b.Calls()
	require.Len(t, bc, 1)
	assert.True(t, bc[0].start.Before(calls[3].start))
	assert.Len(t, h.pub.Results(), 5)
}

func TestTimeoutRecordsFailureAndDiscardsLateResult(t *testing.T) {
	var lateReturned atomic.Bool
	svc := &fakeService{id: "term", provider: "ingenico", exec: func(ctx context.Context, cmd *command.Command) (*command.Response, error) {
		if cmd.ID != "slow" {
			return command.Succeeded(cmd.ID, time.Now()), nil
		}
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		lateReturned.Store(true)
		return command.Succeeded(cmd.ID, time.Now()), nil
	}}
	h := setup(t, Options{}, svc)
	ctx := context.Background()

	slow := newCmd("slow", "ingenico")
	slow.Timeout = command.Duration(80 * time.Millisecond)
	require.NoError(t, h.d.Submit(ctx, slow))
	require.NoError(t, h.d.Submit(ctx, newCmd("next", "ingenico")))

	e := h.waitState(t, "slow", queue.StateExpired)
	assert.Equal(t, command.CodeTimeout, e.Response.ErrorCode)
	assert.False(t, e.Response.Success)

	h.waitState(t, "next", queue.StateCompleted)
	assert.True(t, lateReturned.Load())
	calls := svc.Calls()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].start.Before(calls[0].end))

	// the late success never replaced the timeout
	e, err := h.store.Get(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, queue.StateExpired, e.State)
	assert.Equal(t, command.CodeTimeout, h.pub.ResultFor("slow").ErrorCode)
}

func commErr() error {
	return &network.CommunicationError{Op: "exchange", Transport: network.KindTCP, Target: "x", Err: errors.New("connection reset")}
}

func TestCommunicationErrorsAreRetried(t *testing.T) {
	var n atomic.Int32
	svc := &fakeService{id: "fp", provider: "posnet", exec: func(ctx context.Context, cmd *command.Command) (*command.Response, error) {
		if n.Add(1) < 3 {
			return nil, commErr()
		}
		return command.Succeeded(cmd.ID, time.Now()), nil
	}}
	h := setup(t, Options{MaxAttempts: 3}, svc)
	require.NoError(t, h.d.Submit(context.Background(), newCmd("c-1", "posnet")))

	e := h.waitState(t, "c-1", queue.StateCompleted)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, int32(3), n.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var n atomic.Int32
	svc := &fakeService{id: "fp", provider: "posnet", exec: func(ctx context.Context, cmd *command.Command) (*command.Response, error) {
		n.Add(1)
		return nil, commErr()
	}}
	h := setup(t, Options{MaxAttempts: 3}, svc)
	cmd := newCmd("c-1", "posnet")
	cmd.MaxAttempts = 2
	require.NoError(t, h.d.Submit(context.Background(), cmd))

	e := h.waitState(t, "c-1", queue.StateFailed)
	assert.Equal(t, command.CodeCommunication, e.Response.ErrorCode)
	assert.Equal(t, int32(2), n.Load())
	assert.NotNil(t, h.pub.ResultFor("c-1"))
}

func TestBusinessFailureIsNotRetried(t *testing.T) {
	var n atomic.Int32
	svc := &fakeService{id: "fp", provider: "posnet", exec: func(ctx context.Context, cmd *command.Command) (*command.Response, error) {
		n.Add(1)
		return command.Failed(cmd.ID, command.CodeOutOfPaper, "paper end", time.Now()), nil
	}}
	h := setup(t, Options{MaxAttempts: 3}, svc)
	require.NoError(t, h.d.Submit(context.Background(), newCmd("c-1", "posnet")))

	e := h.waitState(t, "c-1", queue.StateFailed)
	assert.Equal(t, command.CodeOutOfPaper, e.Response.ErrorCode)
	assert.Equal(t, int32(1), n.Load())
	require.NotNil(t, h.pub.ResultFor("c-1"))
	assert.False(t, h.pub.ResultFor("c-1").Success)
}

func TestBridgeRefusalIsNotRetried(t *testing.T) {
	var exchanges atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/exchange", func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","code":"OUT_OF_PAPER","message":"paper end"}`))
	})
	bridge := httptest.NewServer(mux)
	t.Cleanup(bridge.Close)

	svc, err := device.New(device.Config{ID: "fp", Kind: device.KindPrinter, Provider: "posnet", Connection: network.Settings{
		Type: network.KindREST, Timeout: time.Second, REST: &network.RESTSettings{BaseURL: bridge.URL},
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	h := setup(t, Options{MaxAttempts: 3}, svc)
	require.NoError(t, h.d.Submit(context.Background(), newCmd("c-1", "posnet")))

	e := h.waitState(t, "c-1", queue.StateFailed)
	assert.Equal(t, command.CodeOutOfPaper, e.Response.ErrorCode)
	assert.Equal(t, int32(1), exchanges.Load())
	require.NotNil(t, h.pub.ResultFor("c-1"))
}

func TestComplianceFailureNeverReachesCloud(t *testing.T) {
	var n atomic.Int32
	svc := &fakeService{id: "term", provider: "ingenico", exec: func(ctx context.Context, cmd *command.Command) (*command.Response, error) {
		n.Add(1)
		return nil, &device.ComplianceError{DeviceID: "term", Field: "masked_pan", Digits: 12, Reason: "more than last 4 digits present"}
	}}
	h := setup(t, Options{}, svc)
	require.NoError(t, h.d.Submit(context.Background(), newCmd("c-1", "ingenico")))

	e := h.waitState(t, "c-1", queue.StateFailed)
	assert.Equal(t, command.CodeComplianceRejected, e.Response.ErrorCode)
	assert.False(t, e.Deliverable)
	assert.Equal(t, int32(1), n.Load())
	assert.Nil(t, h.pub.ResultFor("c-1"))

	require.NoError(t, h.d.Redeliver(context.Background()))
	assert.Nil(t, h.pub.ResultFor("c-1"))
}

func TestOfflineCommandsWaitForReplay(t *testing.T) {
	svc := &fakeService{id: "term", provider: "ingenico"}
	h := setup(t, Options{}, svc)
	h.pub.SetConnected(false)
	ctx := context.Background()

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		require.NoError(t, h.d.Submit(ctx, newCmd(id, "ingenico")))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, svc.Calls())
	pending, err := h.store.GetPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	h.pub.SetConnected(true)
	require.NoError(t, h.d.Replay(ctx))
	require.NoError(t, h.d.Submit(ctx, newCmd("new", "ingenico")))
	h.waitState(t, "new", queue.StateCompleted)

	var order []string
	for _, c := range svc.Calls() {
		order = append(order, c.id)
	}
	assert.Equal(t, []string{"p-1", "p-2", "p-3", "new"}, order)
}

func TestDuplicateRedeliversStoredResult(t *testing.T) {
	var n atomic.Int32
	svc := &fakeService{id: "fp", provider: "posnet", exec: func(ctx context.Context, cmd *command.Command) (*command.Response, error) {
		n.Add(1)
		return command.Succeeded(cmd.ID, time.Now()), nil
	}}
	h := setup(t, Options{}, svc)
	ctx := context.Background()

	require.NoError(t, h.d.Submit(ctx, newCmd("c-1", "posnet")))
	h.waitState(t, "c-1", queue.StateCompleted)
	require.NoError(t, h.d.Submit(ctx, newCmd("c-1", "posnet")))

	assert.Equal(t, int32(1), n.Load())
	assert.Len(t, h.pub.Results(), 2)
}

func TestUnknownProviderFails(t *testing.T) {
	h := setup(t, Options{}, &fakeService{id: "fp", provider: "posnet"})
	require.NoError(t, h.d.Submit(context.Background(), newCmd("c-1", "verifone")))

	e, err := h.store.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, e.State)
	assert.Equal(t, command.CodeUnknownProvider, e.Response.ErrorCode)
}

func TestInvalidCommandFails(t *testing.T) {
	h := setup(t, Options{}, &fakeService{id: "fp", provider: "posnet"})
	cmd := newCmd("c-1", "posnet")
	cmd.Kind = command.KindPrintNonFiscal
	cmd.Payload = json.RawMessage(`{"lines":[]}`)
	require.NoError(t, h.d.Submit(context.Background(), cmd))

	e, err := h.store.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, command.CodeInvalidPayload, e.Response.ErrorCode)

	assert.ErrorIs(t, h.d.Submit(context.Background(), &command.Command{}), command.ErrMissingID)
}

func TestSweepExpiresStalePending(t *testing.T) {
	svc := &fakeService{id: "fp", provider: "posnet"}
	h := setup(t, Options{}, svc)
	h.pub.SetConnected(false)
	ctx := context.Background()
	require.NoError(t, h.d.Submit(ctx, newCmd("old", "posnet")))

	h.d.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h.pub.SetConnected(true)
	require.NoError(t, h.d.Sweep(ctx))

	e, err := h.store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, queue.StateExpired, e.State)
	assert.Equal(t, command.CodeExpired, e.Response.ErrorCode)
	assert.NotNil(t, h.pub.ResultFor("old"))
}

func TestAcknowledgeStopsRedelivery(t *testing.T) {
	h := setup(t, Options{}, &fakeService{id: "fp", provider: "posnet"})
	ctx := context.Background()
	require.NoError(t, h.d.Submit(ctx, newCmd("c-1", "posnet")))
	h.waitState(t, "c-1", queue.StateCompleted)
	require.Len(t, h.pub.Results(), 1)

	require.NoError(t, h.d.Redeliver(ctx))
	assert.Len(t, h.pub.Results(), 2)

	require.NoError(t, h.d.Acknowledge(ctx, "c-1"))
	require.NoError(t, h.d.Redeliver(ctx))
	assert.Len(t, h.pub.Results(), 2)
}

func TestShutdownLetsRunningCommandFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svc := &fakeService{id: "term", provider: "ingenico", exec: func(ctx context.Context, cmd *command.Command) (*command.Response, error) {
		if cmd.ID == "c-1" {
			close(started)
			<-release
		}
		return command.Succeeded(cmd.ID, time.Now()), nil
	}}
	h := setup(t, Options{}, svc)
	require.NoError(t, h.d.Submit(context.Background(), newCmd("c-1", "ingenico")))
	<-started
	require.NoError(t, h.d.Submit(context.Background(), newCmd("c-2", "ingenico")))

	h.stop()
	select {
	case <-h.done:
		t.Fatal("dispatcher stopped before the running command returned")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-h.done

	e, err := h.store.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, e.State)
	e, err = h.store.Get(context.Background(), "c-2")
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, e.State, "queued commands wait for the next start")
}

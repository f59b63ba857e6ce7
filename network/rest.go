package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// restConn speaks to devices that expose an HTTP bridge:
//
//	POST /exchange  request body in, reply body out
//	POST /send      fire and forget
//	GET  /receive   next unsolicited message, 204 on timeout
//	GET  /ping      200 ready; 409, 423 or 503 busy
type restConn struct {
	settings Settings
	base     string
	probe    *retryablehttp.Client
	client   *retryablehttp.Client

	connected atomic.Bool
}

func newREST(s Settings) (Conn, error) {
	probe := retryablehttp.NewClient()
	probe.RetryMax = s.MaxRetries
	probe.RetryWaitMin = 200 * time.Millisecond
	probe.RetryWaitMax = 2 * time.Second
	probe.Logger = zerologRetryLogger{}
	// only transport errors are retried; a busy status is an answer
	probe.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}

	// exchanges are never repeated here: a resent payment request could charge twice
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = zerologRetryLogger{}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		return false, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &restConn{
		settings: s,
		base:     strings.TrimRight(s.REST.BaseURL, "/"),
		probe:    probe,
		client:   client,
	}, nil
}

func (c *restConn) Kind() Kind        { return KindREST }
func (c *restConn) Target() string    { return c.base }
func (c *restConn) IsConnected() bool { return c.connected.Load() }

func (c *restConn) Connect(ctx context.Context, timeout time.Duration) error {
	if c.connected.Load() {
		return nil
	}
	if timeout <= 0 {
		timeout = c.settings.EffectiveTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := c.ping(ctx, c.probe); err != nil {
		return &ConnectionError{Transport: KindREST, Target: c.base, Err: err}
	}
	c.connected.Store(true)
	return nil
}

func (c *restConn) Disconnect() error {
	c.connected.Store(false)
	c.client.HTTPClient.CloseIdleConnections()
	c.probe.HTTPClient.CloseIdleConnections()
	return nil
}

func (c *restConn) Send(ctx context.Context, data []byte) error {
	_, err := c.do(ctx, "send", http.MethodPost, "/send", data, c.settings.EffectiveTimeout())
	return err
}

func (c *restConn) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.settings.EffectiveTimeout()
	}
	path := "/receive?timeout_ms=" + strconv.FormatInt(timeout.Milliseconds(), 10)
	return c.do(ctx, "receive", http.MethodGet, path, nil, timeout+time.Second)
}

func (c *restConn) SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.settings.EffectiveTimeout()
	}
	return c.do(ctx, "exchange", http.MethodPost, "/exchange", data, timeout)
}

func (c *restConn) Ping(ctx context.Context) (PingStatus, error) {
	if !c.connected.Load() {
		return PingReady, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.settings.EffectiveTimeout())
	defer cancel()
	st, err := c.ping(ctx, c.client)
	if err != nil {
		c.connected.Store(false)
		return PingReady, &CommunicationError{Op: "ping", Transport: KindREST, Target: c.base, Timeout: isTimeout(err), Err: err}
	}
	return st, nil
}

func (c *restConn) ping(ctx context.Context, hc *retryablehttp.Client) (PingStatus, error) {
	req, err := c.request(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return PingReady, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return PingReady, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return PingReady, nil
	case http.StatusConflict, http.StatusLocked, http.StatusServiceUnavailable:
		return PingBusy, nil
	}
	return PingReady, fmt.Errorf("unexpected status %d", resp.StatusCode)
}

func (c *restConn) do(ctx context.Context, op, method, path string, body []byte, timeout time.Duration) ([]byte, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(received []byte, timedOut bool, err error) error {
		return &CommunicationError{Op: op, Transport: KindREST, Target: c.base, Timeout: timedOut, Sent: body, Received: received, Err: err}
	}
	req, err := c.request(ctx, method, path, body)
	if err != nil {
		return nil, fail(nil, false, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.connected.Store(false)
		return nil, fail(nil, isTimeout(err), err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, MaxPayload+1))
	if err != nil {
		return nil, fail(out, isTimeout(err), err)
	}
	switch {
	case len(out) > MaxPayload:
		return nil, fail(out, false, fmt.Errorf("reply exceeds %d bytes", MaxPayload))
	case resp.StatusCode == http.StatusNoContent && op == "receive":
		return nil, fail(nil, true, fmt.Errorf("no message within %s", timeout))
	case resp.StatusCode/100 != 2:
		return c.refused(op, resp.StatusCode, out, fail)
	}
	return out, nil
}

// refused handles a non-2xx answer. A body is the device's own reply and goes
// to the codec. Without one, 502 and 504 mean the bridge lost the device;
// anything else is a refusal.
func (c *restConn) refused(op string, status int, out []byte, fail func([]byte, bool, error) error) ([]byte, error) {
	if len(bytes.TrimSpace(out)) > 0 && op != "send" {
		return out, nil
	}
	switch status {
	case http.StatusBadGateway:
		c.connected.Store(false)
		return nil, fail(out, false, fmt.Errorf("bridge answered %d", status))
	case http.StatusGatewayTimeout:
		c.connected.Store(false)
		return nil, fail(out, true, fmt.Errorf("bridge answered %d", status))
	}
	return nil, &RefusedError{Op: op, Target: c.base, Status: status}
}

func (c *restConn) request(ctx context.Context, method, path string, body []byte) (*retryablehttp.Request, error) {
	var rd any
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	switch r := c.settings.REST; {
	case r.Token != "":
		req.Header.Set("Authorization", "Bearer "+r.Token)
	case r.Username != "":
		req.SetBasicAuth(r.Username, r.Password)
	}
	return req, nil
}

// zerologRetryLogger adapts the global zerolog logger to retryablehttp.LeveledLogger.
type zerologRetryLogger struct{}

func (zerologRetryLogger) Error(msg string, kv ...interface{}) { emit(log.Error(), msg, kv) }
func (zerologRetryLogger) Info(msg string, kv ...interface{})  { emit(log.Debug(), msg, kv) }
func (zerologRetryLogger) Debug(msg string, kv ...interface{}) { emit(log.Debug(), msg, kv) }
func (zerologRetryLogger) Warn(msg string, kv ...interface{})  { emit(log.Warn(), msg, kv) }

func emit(e *zerolog.Event, msg string, kv []interface{}) {
	e.Str("component", "rest-transport").Fields(kv).Msg(msg)
}

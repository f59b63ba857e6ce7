package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"booth-agent/agent/internal/command"
	"booth-agent/agent/internal/logger"
	"booth-agent/network"
)

var terminalKinds = map[command.Kind]bool{
	command.KindAuthorizePayment: true,
	command.KindCapturePayment:   true,
	command.KindRefundPayment:    true,
	command.KindCancelPayment:    true,
	command.KindTerminalStatus:   true,
}

// Terminal drives a payment terminal. Every response it returns has passed
// ScanResponse, and payment responses ValidateResponse.
type Terminal struct {
	link
	now func() time.Time
}

func NewTerminal(cfg Config, conn network.Conn, codec Codec) *Terminal {
	return &Terminal{link: link{cfg: cfg, conn: conn, codec: codec}, now: time.Now}
}

func (t *Terminal) ID() string                   { return t.cfg.ID }
func (t *Terminal) Provider() string             { return t.cfg.Provider }
func (t *Terminal) Kind() Kind                   { return KindTerminal }
func (t *Terminal) Supports(k command.Kind) bool { return terminalKinds[k] }
func (t *Terminal) Close() error                 { return t.close() }

func (t *Terminal) Ping(ctx context.Context) (Status, error) { return t.ping(ctx) }

func (t *Terminal) Execute(ctx context.Context, cmd *command.Command) (*command.Response, error) {
	start := t.now()
	if !t.Supports(cmd.Kind) {
		return command.Failed(cmd.ID, command.CodeUnsupportedKind, fmt.Sprintf("terminal does not handle %s", cmd.Kind), start), nil
	}
	body, err := cmd.DecodePayload()
	if err != nil {
		return command.Failed(cmd.ID, command.CodeInvalidPayload, err.Error(), start), nil
	}
	// card data must never pass through an uncertified terminal
	if cmd.Kind.IsPayment() && !t.cfg.P2PE {
		return nil, t.reject(cmd.ID, ValidateResponse(t.cfg.ID, false, nil))
	}

	reply, err := t.call(ctx, string(cmd.Kind), cmd.ID, body)
	if err != nil {
		if network.IsCommunication(err) {
			return nil, err
		}
		return unreadable(cmd.ID, err, t.now()), nil
	}

	resp, err := t.toResponse(cmd, reply)
	if err != nil {
		return unreadable(cmd.ID, err, t.now()), nil
	}
	resp.Duration = command.Duration(t.now().Sub(start))
	check := ScanResponse(t.cfg.ID, resp)
	if cmd.Kind.IsPayment() {
		check = ValidateResponse(t.cfg.ID, t.cfg.P2PE, resp)
	}
	if check != nil {
		return nil, t.reject(cmd.ID, check)
	}
	return resp, nil
}

func (t *Terminal) toResponse(cmd *command.Command, r *Reply) (*command.Response, error) {
	now := t.now()
	if r.Status != ReplyOK {
		resp := fromReply(cmd.ID, r, now)
		if cmd.Kind.IsPayment() && len(r.Data) > 0 {
			var p command.PaymentResult
			if err := json.Unmarshal(r.Data, &p); err != nil {
				return nil, fmt.Errorf("%w: payment data", ErrMalformedReply)
			}
			resp.Payment = &p
		}
		return resp, nil
	}

	resp := command.Succeeded(cmd.ID, now)
	resp.Metadata = r.Meta
	if cmd.Kind == command.KindTerminalStatus {
		var st command.TerminalStatusResult
		if len(r.Data) > 0 {
			if err := json.Unmarshal(r.Data, &st); err != nil {
				return nil, fmt.Errorf("%w: status data", ErrMalformedReply)
			}
		}
		st.P2PE = t.cfg.P2PE
		resp.Terminal = &st
		return resp, nil
	}
	var p command.PaymentResult
	if err := json.Unmarshal(r.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: payment data", ErrMalformedReply)
	}
	resp.Payment = &p
	return resp, nil
}

// reject logs a compliance failure by field name only.
func (t *Terminal) reject(cmdID string, err error) error {
	ce := err.(*ComplianceError)
	logger.L.Error().
		Str("command_id", cmdID).
		Str("device_id", t.cfg.ID).
		Str("field", ce.Field).
		Int("digits", ce.Digits).
		Msg("response blocked by pci compliance check")
	return err
}

package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"booth-agent/agent/internal/command"
	"booth-agent/network"
)

var printerKinds = map[command.Kind]bool{
	command.KindPrintFiscalReceipt: true,
	command.KindPrintNonFiscal:     true,
	command.KindDailyReport:        true,
	command.KindCancelLastReceipt:  true,
	command.KindPrinterStatus:      true,
}

// Printer drives a fiscal printer.
type Printer struct {
	link
	now func() time.Time
}

func NewPrinter(cfg Config, conn network.Conn, codec Codec) *Printer {
	return &Printer{link: link{cfg: cfg, conn: conn, codec: codec}, now: time.Now}
}

func (p *Printer) ID() string                   { return p.cfg.ID }
func (p *Printer) Provider() string             { return p.cfg.Provider }
func (p *Printer) Kind() Kind                   { return KindPrinter }
func (p *Printer) Supports(k command.Kind) bool { return printerKinds[k] }
func (p *Printer) Close() error                 { return p.close() }

func (p *Printer) Ping(ctx context.Context) (Status, error) { return p.ping(ctx) }

func (p *Printer) Execute(ctx context.Context, cmd *command.Command) (*command.Response, error) {
	start := p.now()
	if !p.Supports(cmd.Kind) {
		return command.Failed(cmd.ID, command.CodeUnsupportedKind, fmt.Sprintf("printer does not handle %s", cmd.Kind), start), nil
	}
	body, err := cmd.DecodePayload()
	if err != nil {
		return command.Failed(cmd.ID, command.CodeInvalidPayload, err.Error(), start), nil
	}

	reply, err := p.call(ctx, string(cmd.Kind), cmd.ID, body)
	if err != nil {
		if network.IsCommunication(err) {
			return nil, err
		}
		return unreadable(cmd.ID, err, p.now()), nil
	}
	resp, err := p.toResponse(cmd, reply)
	if err != nil {
		return unreadable(cmd.ID, err, p.now()), nil
	}
	resp.Duration = command.Duration(p.now().Sub(start))
	return resp, nil
}

func (p *Printer) toResponse(cmd *command.Command, r *Reply) (*command.Response, error) {
	now := p.now()
	if r.Status != ReplyOK {
		return fromReply(cmd.ID, r, now), nil
	}
	resp := command.Succeeded(cmd.ID, now)
	resp.Metadata = r.Meta

	var target any
	switch cmd.Kind {
	case command.KindPrintFiscalReceipt:
		resp.Fiscal = &command.FiscalResult{}
		target = resp.Fiscal
	case command.KindDailyReport:
		resp.Report = &command.ReportResult{}
		target = resp.Report
	case command.KindPrinterStatus:
		resp.Printer = &command.PrinterStatusResult{}
		target = resp.Printer
	default:
		return resp, nil
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, target); err != nil {
			return nil, fmt.Errorf("%w: %s data", ErrMalformedReply, cmd.Kind)
		}
	}
	if cmd.Kind == command.KindDailyReport && resp.Report.Type == "" {
		if dr, err := cmd.DecodePayload(); err == nil {
			resp.Report.Type = dr.(command.DailyReport).Type
		}
	}
	return resp, nil
}

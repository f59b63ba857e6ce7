package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPayload = errors.New("invalid payload")

type AuthorizePayment struct {
	Amount    Amount `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference,omitempty"`
}

type CapturePayment struct {
	TransactionID string `json:"transaction_id"`
	Amount        Amount `json:"amount"`
}

type RefundPayment struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Amount        Amount `json:"amount"`
	Currency      string `json:"currency"`
	Reference     string `json:"reference,omitempty"`
}

type CancelPayment struct {
	TransactionID string `json:"transaction_id"`
}

type TerminalStatus struct{}

// ReceiptLine is one sold item. Total must equal Quantity * UnitPrice.
type ReceiptLine struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice Amount `json:"unit_price"`
	TaxCode   string `json:"tax_code"`
	Total     Amount `json:"total"`
}

type Tender struct {
	Method string `json:"method"` // cash, card, voucher
	Amount Amount `json:"amount"`
}

type PrintFiscalReceipt struct {
	Lines    []ReceiptLine `json:"lines"`
	Payments []Tender      `json:"payments,omitempty"`
	Total    Amount        `json:"total"`
	Currency string        `json:"currency,omitempty"`
}

type PrintNonFiscal struct {
	Lines []string `json:"lines"`
}

// DailyReport requests an X (informational) or Z (closing) report.
type DailyReport struct {
	Type string `json:"type,omitempty"`
}

type CancelLastReceipt struct{}

type PrinterStatus struct{}

// DecodePayload decodes and validates the payload into the struct matching c.Kind.
func (c *Command) DecodePayload() (any, error) {
	var (
		out any
		err error
	)
	switch c.Kind {
	case KindAuthorizePayment:
		var p AuthorizePayment
		if err = decode(c.Payload, &p, true); err == nil {
			err = p.validate()
		}
		out = p
	case KindCapturePayment:
		var p CapturePayment
		if err = decode(c.Payload, &p, true); err == nil {
			err = requireTxn(p.TransactionID)
			if err == nil && p.Amount < 0 {
				err = errors.New("amount must not be negative")
			}
		}
		out = p
	case KindRefundPayment:
		var p RefundPayment
		if err = decode(c.Payload, &p, true); err == nil {
			err = p.validate()
		}
		out = p
	case KindCancelPayment:
		var p CancelPayment
		if err = decode(c.Payload, &p, true); err == nil {
			err = requireTxn(p.TransactionID)
		}
		out = p
	case KindTerminalStatus:
		var p TerminalStatus
		err = decode(c.Payload, &p, false)
		out = p
	case KindPrintFiscalReceipt:
		var p PrintFiscalReceipt
		if err = decode(c.Payload, &p, true); err == nil {
			err = p.validate()
		}
		out = p
	case KindPrintNonFiscal:
		var p PrintNonFiscal
		if err = decode(c.Payload, &p, true); err == nil && len(p.Lines) == 0 {
			err = errors.New("no lines to print")
		}
		out = p
	case KindDailyReport:
		var p DailyReport
		if err = decode(c.Payload, &p, false); err == nil {
			p.Type = strings.ToUpper(strings.TrimSpace(p.Type))
			if p.Type == "" {
				p.Type = "X"
			}
			if p.Type != "X" && p.Type != "Z" {
				err = fmt.Errorf("unknown report type %q", p.Type)
			}
		}
		out = p
	case KindCancelLastReceipt:
		var p CancelLastReceipt
		err = decode(c.Payload, &p, false)
		out = p
	case KindPrinterStatus:
		var p PrinterStatus
		err = decode(c.Payload, &p, false)
		out = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidPayload, c.Kind, err)
	}
	return out, nil
}

func decode(raw json.RawMessage, into any, required bool) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if required {
			return errors.New("payload is required")
		}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

func requireTxn(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("transaction_id is required")
	}
	return nil
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func (p AuthorizePayment) validate() error {
	if p.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if !validCurrency(p.Currency) {
		return fmt.Errorf("invalid currency %q", p.Currency)
	}
	return nil
}

func (p RefundPayment) validate() error {
	if p.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if !validCurrency(p.Currency) {
		return fmt.Errorf("invalid currency %q", p.Currency)
	}
	return nil
}

func (p PrintFiscalReceipt) validate() error {
	if len(p.Lines) == 0 {
		return errors.New("receipt has no lines")
	}
	var sum Amount
	for i, l := range p.Lines {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("line %d: name is required", i)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("line %d: quantity must be positive", i)
		}
		if strings.TrimSpace(l.TaxCode) == "" {
			return fmt.Errorf("line %d: tax_code is required", i)
		}
		if l.Total != l.UnitPrice*Amount(l.Quantity) {
			return fmt.Errorf("line %d: total %s does not match %d x %s", i, l.Total, l.Quantity, l.UnitPrice)
		}
		sum += l.Total
	}
	if sum != p.Total {
		return fmt.Errorf("receipt total %s does not match line sum %s", p.Total, sum)
	}
	if len(p.Payments) > 0 {
		var paid Amount
		for _, t := range p.Payments {
			paid += t.Amount
		}
		if paid < p.Total {
			return fmt.Errorf("payments %s do not cover total %s", paid, p.Total)
		}
	}
	return nil
}

package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the operation a Command asks a device to perform.
type Kind string

const (
	KindAuthorizePayment   Kind = "authorize_payment"
	KindCapturePayment     Kind = "capture_payment"
	KindRefundPayment      Kind = "refund_payment"
	KindCancelPayment      Kind = "cancel_payment"
	KindTerminalStatus     Kind = "terminal_status"
	KindPrintFiscalReceipt Kind = "print_fiscal_receipt"
	KindPrintNonFiscal     Kind = "print_non_fiscal"
	KindDailyReport        Kind = "daily_report"
	KindCancelLastReceipt  Kind = "cancel_last_receipt"
	KindPrinterStatus      Kind = "printer_status"
)

// DeviceClass groups kinds by the device type able to run them.
type DeviceClass string

const (
	ClassTerminal DeviceClass = "terminal"
	ClassPrinter  DeviceClass = "printer"
)

var kindClass = map[Kind]DeviceClass{
	KindAuthorizePayment:   ClassTerminal,
	KindCapturePayment:     ClassTerminal,
	KindRefundPayment:      ClassTerminal,
	KindCancelPayment:      ClassTerminal,
	KindTerminalStatus:     ClassTerminal,
	KindPrintFiscalReceipt: ClassPrinter,
	KindPrintNonFiscal:     ClassPrinter,
	KindDailyReport:        ClassPrinter,
	KindCancelLastReceipt:  ClassPrinter,
	KindPrinterStatus:      ClassPrinter,
}

// Class reports which device class executes k. ok is false for unknown kinds.
func (k Kind) Class() (DeviceClass, bool) {
	c, ok := kindClass[k]
	return c, ok
}

// IsPayment reports whether k produces a payment response subject to PCI validation.
func (k Kind) IsPayment() bool {
	switch k {
	case KindAuthorizePayment, KindCapturePayment, KindRefundPayment, KindCancelPayment:
		return true
	}
	return false
}

var (
	ErrMissingID       = errors.New("command id is required")
	ErrMissingTenant   = errors.New("tenant id is required")
	ErrMissingProvider = errors.New("provider id is required")
	ErrUnknownKind     = errors.New("unknown command kind")
)

// Command is the unit of work sent from the cloud to the agent. ID is the
// correlation key between request and response and is never reused.
type Command struct {
	ID          string          `json:"command_id"`
	TenantID    string          `json:"tenant_id"`
	ProviderID  string          `json:"provider_id"`
	DeviceID    string          `json:"device_id,omitempty"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Timeout     Duration        `json:"timeout"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// Validate checks the envelope fields and that the payload decodes for the kind.
func (c *Command) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return ErrMissingTenant
	}
	if strings.TrimSpace(c.ProviderID) == "" {
		return ErrMissingProvider
	}
	if _, ok := c.Kind.Class(); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", c.Timeout)
	}
	_, err := c.DecodePayload()
	return err
}

// TimeoutOr returns the command timeout, or def when none was set.
func (c *Command) TimeoutOr(def time.Duration) time.Duration {
	if c.Timeout > 0 {
		return time.Duration(c.Timeout)
	}
	return def
}

// Duration is a time.Duration that marshals as a Go duration string and
// unmarshals from either a duration string ("2m") or integer milliseconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("invalid duration %s: %w", string(b), err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

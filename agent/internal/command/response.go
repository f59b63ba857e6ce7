package command

import "time"

// Error codes carried by failed responses.
const (
	CodeTimeout            = "TIMEOUT"
	CodeExpired            = "EXPIRED"
	CodeInterrupted        = "INTERRUPTED"
	CodeCommunication      = "COMMUNICATION_ERROR"
	CodeComplianceRejected = "COMPLIANCE_REJECTED"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeUnknownProvider    = "UNKNOWN_PROVIDER"
	CodeUnsupportedKind    = "UNSUPPORTED_KIND"
	CodeDeviceBusy         = "DEVICE_BUSY"
	CodeDeviceError        = "DEVICE_ERROR"
	CodeDeclined           = "DECLINED"
	CodeOutOfPaper         = "OUT_OF_PAPER"
	CodeFiscalMemoryFull   = "FISCAL_MEMORY_FULL"
	CodeCoverOpen          = "COVER_OPEN"
)

// Response is the outcome of executing a Command. Exactly one of the typed
// result pointers is set on success, matching the command kind.
type Response struct {
	CommandID    string            `json:"command_id"`
	Success      bool              `json:"success"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ProcessedAt  time.Time         `json:"processed_at"`
	Duration     Duration          `json:"duration"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	Payment  *PaymentResult        `json:"payment,omitempty"`
	Terminal *TerminalStatusResult `json:"terminal,omitempty"`
	Fiscal   *FiscalResult         `json:"fiscal,omitempty"`
	Report   *ReportResult         `json:"report,omitempty"`
	Printer  *PrinterStatusResult  `json:"printer,omitempty"`
}

// PaymentResult never holds more than the last four digits of a card number.
type PaymentResult struct {
	TransactionID     string `json:"transaction_id,omitempty"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
	MaskedPan         string `json:"masked_pan,omitempty"`
	CardBrand         string `json:"card_brand,omitempty"`
	Amount            Amount `json:"amount"`
	Currency          string `json:"currency,omitempty"`
}

type TerminalStatusResult struct {
	Ready    bool   `json:"ready"`
	Busy     bool   `json:"busy"`
	P2PE     bool   `json:"p2pe"`
	Firmware string `json:"firmware,omitempty"`
}

type FiscalResult struct {
	ReceiptNumber string `json:"receipt_number,omitempty"`
	FiscalNumber  string `json:"fiscal_number,omitempty"`
}

type ReportResult struct {
	Type         string            `json:"type"`
	ReportNumber string            `json:"report_number,omitempty"`
	ReceiptCount int               `json:"receipt_count"`
	GrossTotal   Amount            `json:"gross_total"`
	TaxTotals    map[string]Amount `json:"tax_totals,omitempty"`
}

type PrinterStatusResult struct {
	Ready            bool `json:"ready"`
	PaperLow         bool `json:"paper_low"`
	OutOfPaper       bool `json:"out_of_paper"`
	CoverOpen        bool `json:"cover_open"`
	FiscalMemoryFull bool `json:"fiscal_memory_full"`
}

// Succeeded builds a successful response for id.
func Succeeded(id string, at time.Time) *Response {
	return &Response{CommandID: id, Success: true, ProcessedAt: at}
}

// Failed builds a failed response carrying code and message.
func Failed(id, code, msg string, at time.Time) *Response {
	return &Response{CommandID: id, Success: false, ErrorCode: code, ErrorMessage: msg, ProcessedAt: at}
}

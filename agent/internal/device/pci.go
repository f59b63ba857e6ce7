package device

import (
	"fmt"
	"sort"

	"booth-agent/agent/internal/command"
)

// MaxPANDigits is how many card number digits may leave a terminal.
const MaxPANDigits = 4

// panRun is the shortest digit run treated as a possible full card number
// when scanning free-form metadata.
const panRun = 13

// ComplianceError blocks a response that would leak card data or came from an
// uncertified terminal. It names the field but never carries its value.
type ComplianceError struct {
	DeviceID string
	Field    string
	Digits   int
	Reason   string
}

func (e *ComplianceError) Error() string {
	if e.Digits > 0 {
		return fmt.Sprintf("pci compliance: device %s field %s has %d digits: %s", e.DeviceID, e.Field, e.Digits, e.Reason)
	}
	return fmt.Sprintf("pci compliance: device %s field %s: %s", e.DeviceID, e.Field, e.Reason)
}

// DigitsIn counts ASCII digits in s.
func DigitsIn(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}

// longestDigitRun reads through space and dash separators, the way card
// numbers are printed.
func longestDigitRun(s string) int {
	best, cur := 0, 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			cur++
			best = max(best, cur)
		case c == ' ' || c == '-':
		default:
			cur = 0
		}
	}
	return best
}

// ValidateResponse rejects a payment response that is unsafe to store or
// transmit: a terminal not flagged P2PE, or anything ScanResponse refuses.
func ValidateResponse(deviceID string, p2pe bool, resp *command.Response) error {
	if !p2pe {
		return &ComplianceError{DeviceID: deviceID, Field: "device", Reason: "terminal is not P2PE certified"}
	}
	return ScanResponse(deviceID, resp)
}

// ScanResponse rejects a masked PAN with more than MaxPANDigits digits and any
// other string field of the response that looks like a card number.
func ScanResponse(deviceID string, resp *command.Response) error {
	if resp == nil {
		return nil
	}
	fields := [][2]string{{"error_message", resp.ErrorMessage}}
	if p := resp.Payment; p != nil {
		if d := DigitsIn(p.MaskedPan); d > MaxPANDigits {
			return &ComplianceError{DeviceID: deviceID, Field: "masked_pan", Digits: d, Reason: "more than last 4 digits present"}
		}
		fields = append(fields,
			[2]string{"transaction_id", p.TransactionID},
			[2]string{"authorization_code", p.AuthorizationCode},
			[2]string{"card_brand", p.CardBrand},
			[2]string{"currency", p.Currency},
		)
	}
	if st := resp.Terminal; st != nil {
		fields = append(fields, [2]string{"terminal.firmware", st.Firmware})
	}
	keys := make([]string, 0, len(resp.Metadata))
	for k := range resp.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, [2]string{"metadata." + k, resp.Metadata[k]})
	}
	for _, f := range fields {
		if run := longestDigitRun(f[1]); run >= panRun {
			return &ComplianceError{DeviceID: deviceID, Field: f[0], Digits: run, Reason: "value resembles a card number"}
		}
	}
	return nil
}

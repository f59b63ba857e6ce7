package command

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := map[string]Amount{
		"50":     5000,
		"50.5":   5050,
		"50.05":  5005,
		"0.99":   99,
		"-12.30": -1230,
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "1.234", "abc", ".5", "5.", "1,00", "1.-5", "+5", "--5", "1.+5", "-", "99999999999999999.00"} {
		_, err := ParseAmount(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "-0.05", Amount(-5).String())
}

func TestAmountJSON(t *testing.T) {
	var p AuthorizePayment
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"19.90","currency":"EUR"}`), &p))
	assert.Equal(t, Amount(1990), p.Amount)
	require.NoError(t, json.Unmarshal([]byte(`{"amount":19.9,"currency":"EUR"}`), &p))
	assert.Equal(t, Amount(1990), p.Amount)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":19.90,"currency":"EUR"}`, string(out))
}

func TestDurationJSON(t *testing.T) {
	var c Command
	require.NoError(t, json.Unmarshal([]byte(`{"timeout":"90s"}`), &c))
	assert.Equal(t, 90*time.Second, time.Duration(c.Timeout))
	require.NoError(t, json.Unmarshal([]byte(`{"timeout":1500}`), &c))
	assert.Equal(t, 1500*time.Millisecond, time.Duration(c.Timeout))
	assert.Error(t, json.Unmarshal([]byte(`{"timeout":"soon"}`), &c))

	assert.Equal(t, time.Minute, (&Command{}).TimeoutOr(time.Minute))
	assert.Equal(t, 90*time.Second, (&Command{Timeout: Duration(90 * time.Second)}).TimeoutOr(time.Minute))
}

func TestKindClass(t *testing.T) {
	c, ok := KindRefundPayment.Class()
	assert.True(t, ok)
	assert.Equal(t, ClassTerminal, c)
	c, ok = KindDailyReport.Class()
	assert.True(t, ok)
	assert.Equal(t, ClassPrinter, c)
	_, ok = Kind("open_drawer").Class()
	assert.False(t, ok)

	assert.True(t, KindCancelPayment.IsPayment())
	assert.False(t, KindTerminalStatus.IsPayment())
}

func cmd(kind Kind, payload string) *Command {
	return &Command{ID: "c-1", TenantID: "t-1", ProviderID: "ingenico", Kind: kind, Payload: json.RawMessage(payload)}
}

func TestValidateEnvelope(t *testing.T) {
	ok := cmd(KindTerminalStatus, "")
	require.NoError(t, ok.Validate())

	c := *ok
	c.ID = " "
	assert.ErrorIs(t, c.Validate(), ErrMissingID)
	c = *ok
	c.TenantID = ""
	assert.ErrorIs(t, c.Validate(), ErrMissingTenant)
	c = *ok
	c.ProviderID = ""
	assert.ErrorIs(t, c.Validate(), ErrMissingProvider)
	c = *ok
	c.Kind = "reboot"
	assert.ErrorIs(t, c.Validate(), ErrUnknownKind)
	c = *ok
	c.Timeout = Duration(-time.Second)
	assert.Error(t, c.Validate())
}

func TestDecodePayload(t *testing.T) {
	p, err := cmd(KindAuthorizePayment, `{"amount":"50.00","currency":"PLN","reference":"order-7"}`).DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, AuthorizePayment{Amount: 5000, Currency: "PLN", Reference: "order-7"}, p)

	p, err = cmd(KindDailyReport, `{"type":"z"}`).DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, "Z", p.(DailyReport).Type)
	p, err = cmd(KindDailyReport, ``).DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, "X", p.(DailyReport).Type)

	bad := map[Kind]string{
		KindAuthorizePayment:   `{"amount":0,"currency":"PLN"}`,
		KindRefundPayment:      `{"amount":"5.00","currency":"pln"}`,
		KindCapturePayment:     `{"amount":"5.00"}`,
		KindCancelPayment:      `{}`,
		KindPrintNonFiscal:     `{"lines":[]}`,
		KindDailyReport:        `{"type":"Y"}`,
		KindPrinterStatus:      `{"extra":true}`,
		KindPrintFiscalReceipt: ``,
	}
	for kind, payload := range bad {
		_, err := cmd(kind, payload).DecodePayload()
		assert.ErrorIs(t, err, ErrInvalidPayload, string(kind))
	}
}

func TestFiscalReceiptTotals(t *testing.T) {
	good := `{"lines":[{"name":"Coffee","quantity":2,"unit_price":"4.50","tax_code":"A","total":"9.00"},
		{"name":"Bagel","quantity":1,"unit_price":"3.20","tax_code":"B","total":"3.20"}],
		"payments":[{"method":"cash","amount":"20.00"}],"total":"12.20"}`
	_, err := cmd(KindPrintFiscalReceipt, good).DecodePayload()
	require.NoError(t, err)

	lineMismatch := `{"lines":[{"name":"Coffee","quantity":2,"unit_price":"4.50","tax_code":"A","total":"4.50"}],"total":"4.50"}`
	_, err = cmd(KindPrintFiscalReceipt, lineMismatch).DecodePayload()
	assert.ErrorIs(t, err, ErrInvalidPayload)

	underpaid := `{"lines":[{"name":"Coffee","quantity":1,"unit_price":"4.50","tax_code":"A","total":"4.50"}],
		"payments":[{"method":"card","amount":"4.00"}],"total":"4.50"}`
	_, err = cmd(KindPrintFiscalReceipt, underpaid).DecodePayload()
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestResponseConstructors(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ok := Succeeded("c-1", at)
	assert.True(t, ok.Success)
	assert.Equal(t, at, ok.ProcessedAt)

	failed := Failed("c-2", CodeTimeout, "no answer", at)
	assert.False(t, failed.Success)
	assert.Equal(t, CodeTimeout, failed.ErrorCode)

	raw, err := json.Marshal(failed)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"error_code":"TIMEOUT"`)
	assert.NotContains(t, string(raw), `"payment"`)
}

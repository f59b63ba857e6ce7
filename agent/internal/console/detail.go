package console

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"booth-agent/agent/internal/queue"
)

// BackMsg returns to the queue list.
type BackMsg struct{}

// DetailModel shows one entry. Payloads and responses are shown as stored;
// card data never reaches the store unmasked.
type DetailModel struct {
	Entry    queue.Entry
	Viewport viewport.Model
}

func NewDetailModel(e queue.Entry, width, height int) DetailModel {
	vp := viewport.New(max(width-4, 40), max(height-6, 10))
	vp.SetContent(describe(e))
	return DetailModel{Entry: e, Viewport: vp}
}

func (m DetailModel) Update(msg tea.Msg) (DetailModel, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "esc", "backspace", "q":
			return m, func() tea.Msg { return BackMsg{} }
		}
	}
	var cmd tea.Cmd
	m.Viewport, cmd = m.Viewport.Update(msg)
	return m, cmd
}

func (m DetailModel) View() string {
	return titleStyle.Render("Command "+m.Entry.Command.ID) + "\n\n" + m.Viewport.View() + "\n\n" +
		blurredStyle.Render("esc back  up/down scroll")
}

func describe(e queue.Entry) string {
	var b strings.Builder
	field := func(k, v string) { fmt.Fprintf(&b, "%-12s %s\n", k+":", v) }
	field("state", string(e.State))
	field("kind", string(e.Command.Kind))
	field("tenant", e.Command.TenantID)
	field("provider", e.Command.ProviderID)
	field("device", e.Command.DeviceID)
	field("attempts", fmt.Sprint(e.Attempts))
	field("created", e.CreatedAt.Format(time.RFC3339))
	if e.ExpiresAt != nil {
		field("expires", e.ExpiresAt.Format(time.RFC3339))
	}
	switch {
	case e.Delivered && e.DeliveredAt != nil:
		field("delivered", e.DeliveredAt.Format(time.RFC3339))
	case !e.Deliverable:
		field("delivered", "withheld")
	default:
		field("delivered", "no")
	}
	if e.LastError != "" {
		field("last error", e.LastError)
	}
	b.WriteString("\npayload:\n")
	b.WriteString(pretty(e.Command.Payload))
	if e.Response != nil {
		b.WriteString("\n\nresponse:\n")
		raw, _ := json.Marshal(e.Response)
		b.WriteString(pretty(raw))
	}
	return b.String()
}

func pretty(raw []byte) string {
	if len(raw) == 0 {
		return "(none)"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

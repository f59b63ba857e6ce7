package console

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"booth-agent/agent/internal/auth"
)

type pinAcceptedMsg struct{}

// PinModel gates the console behind the operator PIN.
type PinModel struct {
	Input textinput.Model
	hash  string
	Err   error
}

func NewPinModel(hash string) PinModel {
	in := textinput.New()
	in.Prompt = "PIN: "
	in.Placeholder = "****"
	in.EchoMode = textinput.EchoPassword
	in.Focus()
	return PinModel{Input: in, hash: hash}
}

func (m PinModel) Init() tea.Cmd { return textinput.Blink }

func (m PinModel) Update(msg tea.Msg) (PinModel, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok && k.Type == tea.KeyEnter {
		if err := auth.CheckPIN(m.hash, m.Input.Value()); err != nil {
			m.Err = err
			m.Input.SetValue("")
			return m, nil
		}
		m.Err = nil
		return m, func() tea.Msg { return pinAcceptedMsg{} }
	}
	var cmd tea.Cmd
	m.Input, cmd = m.Input.Update(msg)
	return m, cmd
}

func (m PinModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Booth Agent - Operator Console") + "\n\n")
	b.WriteString(m.Input.View())
	b.WriteString("\n\n" + blurredStyle.Render("Enter to unlock, ctrl+c to quit"))
	if m.Err != nil {
		b.WriteString("\n\n" + errorMessageStyle(m.Err.Error()))
	}
	return b.String()
}

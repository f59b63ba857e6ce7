package console

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"booth-agent/agent/internal/queue"
)

// Source is the part of the durable store the console reads and trims.
type Source interface {
	List(ctx context.Context, opts queue.ListOptions) ([]queue.Entry, error)
	Counts(ctx context.Context) (map[queue.State]int64, error)
	PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error)
}

const listLimit = 500

// filters cycles with the f key. The empty filter shows everything.
var filters = [][]queue.State{
	nil,
	{queue.StatePending, queue.StateInFlight},
	{queue.StateFailed, queue.StateExpired},
	{queue.StateCompleted},
}

type entriesMsg struct {
	entries []queue.Entry
	counts  map[queue.State]int64
	err     error
}

type purgedMsg struct {
	n   int64
	err error
}

// EntrySelectedMsg opens the detail view.
type EntrySelectedMsg struct{ Entry queue.Entry }

type QueueModel struct {
	src     Source
	Table   table.Model
	Entries []queue.Entry
	Counts  map[queue.State]int64
	Filter  int
	Status  string
	Err     error
}

func NewQueueModel(src Source, height int) QueueModel {
	columns := []table.Column{
		{Title: "Seq", Width: 6},
		{Title: "Command ID", Width: 36},
		{Title: "Kind", Width: 20},
		{Title: "Device", Width: 12},
		{Title: "State", Width: 10},
		{Title: "Tries", Width: 5},
		{Title: "Sent", Width: 4},
		{Title: "Code", Width: 20},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(max(height-10, 5)),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	st.Selected = st.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(st)
	return QueueModel{src: src, Table: t}
}

func (m QueueModel) Init() tea.Cmd { return m.load() }

func (m QueueModel) load() tea.Cmd {
	src, states := m.src, filters[m.Filter]
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		entries, err := src.List(ctx, queue.ListOptions{States: states, Limit: listLimit})
		if err != nil {
			return entriesMsg{err: err}
		}
		counts, err := src.Counts(ctx)
		return entriesMsg{entries: entries, counts: counts, err: err}
	}
}

func (m QueueModel) purge() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := src.PurgeDelivered(ctx, time.Now())
		return purgedMsg{n: n, err: err}
	}
}

func (m QueueModel) Update(msg tea.Msg) (QueueModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "r":
			return m, m.load()
		case "f":
			m.Filter = (m.Filter + 1) % len(filters)
			return m, m.load()
		case "p":
			return m, m.purge()
		case "enter":
			if i := m.Table.Cursor(); i >= 0 && i < len(m.Entries) {
				e := m.Entries[i]
				return m, func() tea.Msg { return EntrySelectedMsg{Entry: e} }
			}
			return m, nil
		}

	case entriesMsg:
		if msg.err != nil {
			m.Err = msg.err
			return m, nil
		}
		m.Err = nil
		m.Entries, m.Counts = msg.entries, msg.counts
		m.Table.SetRows(rows(msg.entries))
		return m, nil

	case purgedMsg:
		if msg.err != nil {
			m.Err = msg.err
			return m, nil
		}
		m.Status = fmt.Sprintf("purged %d delivered entries", msg.n)
		return m, m.load()
	}

	var cmd tea.Cmd
	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func rows(entries []queue.Entry) []table.Row {
	out := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		sent := "no"
		if e.Delivered {
			sent = "yes"
		}
		code := ""
		if e.Response != nil {
			code = e.Response.ErrorCode
		}
		out = append(out, table.Row{
			strconv.FormatUint(e.Seq, 10),
			e.Command.ID,
			string(e.Command.Kind),
			e.Command.DeviceID,
			string(e.State),
			strconv.Itoa(e.Attempts),
			sent,
			code,
		})
	}
	return out
}

func (m QueueModel) filterName() string {
	if len(filters[m.Filter]) == 0 {
		return "all"
	}
	names := make([]string, len(filters[m.Filter]))
	for i, s := range filters[m.Filter] {
		names[i] = string(s)
	}
	return strings.Join(names, "+")
}

func (m QueueModel) summary() string {
	order := []queue.State{queue.StatePending, queue.StateInFlight, queue.StateCompleted, queue.StateFailed, queue.StateExpired}
	parts := make([]string, 0, len(order))
	for _, s := range order {
		parts = append(parts, fmt.Sprintf("%s %d", s, m.Counts[s]))
	}
	return strings.Join(parts, "  ")
}

func (m QueueModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Command Queue") + "  " + focusedStyle.Render("filter: "+m.filterName()) + "\n\n")
	b.WriteString(m.summary() + "\n\n")
	b.WriteString(m.Table.View())
	b.WriteString("\n\n")
	b.WriteString(blurredStyle.Render("r refresh  f filter  p purge delivered  enter details  q quit"))
	if m.Status != "" {
		b.WriteString("\n" + statusMessageStyle(m.Status))
	}
	if m.Err != nil {
		b.WriteString("\n" + errorMessageStyle(m.Err.Error()))
	}
	return b.String()
}

package console

import (
	tea "github.com/charmbracelet/bubbletea"
)

type screen int

const (
	screenPin screen = iota
	screenQueue
	screenDetail
)

// RootModel routes between the PIN gate, the queue list and entry details.
type RootModel struct {
	Screen   screen
	Pin      PinModel
	Queue    QueueModel
	Detail   DetailModel
	Quitting bool
	width    int
	height   int
}

// NewRootModel starts at the PIN gate, or at the queue when pinHash is empty.
func NewRootModel(src Source, pinHash string) RootModel {
	m := RootModel{Pin: NewPinModel(pinHash), Queue: NewQueueModel(src, 24), width: 100, height: 24}
	if pinHash == "" {
		m.Screen = screenQueue
	}
	return m
}

func (m RootModel) Init() tea.Cmd {
	if m.Screen == screenPin {
		return m.Pin.Init()
	}
	return m.Queue.Init()
}

func (m RootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.Queue.Table.SetHeight(max(msg.Height-10, 5))
		m.Detail.Viewport.Width = max(msg.Width-4, 40)
		m.Detail.Viewport.Height = max(msg.Height-6, 10)
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || (msg.String() == "q" && m.Screen == screenQueue) {
			m.Quitting = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	switch m.Screen {
	case screenPin:
		if _, ok := msg.(pinAcceptedMsg); ok {
			m.Screen = screenQueue
			return m, m.Queue.Init()
		}
		m.Pin, cmd = m.Pin.Update(msg)
	case screenQueue:
		if sel, ok := msg.(EntrySelectedMsg); ok {
			m.Screen = screenDetail
			m.Detail = NewDetailModel(sel.Entry, m.width, m.height)
			return m, nil
		}
		m.Queue, cmd = m.Queue.Update(msg)
	case screenDetail:
		if _, ok := msg.(BackMsg); ok {
			m.Screen = screenQueue
			return m, m.Queue.load()
		}
		m.Detail, cmd = m.Detail.Update(msg)
	}
	return m, cmd
}

func (m RootModel) View() string {
	if m.Quitting {
		return "Bye!\n"
	}
	switch m.Screen {
	case screenPin:
		return m.Pin.View()
	case screenDetail:
		return m.Detail.View()
	}
	return m.Queue.View()
}

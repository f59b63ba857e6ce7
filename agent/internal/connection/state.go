package connection

import (
	"context"

	"github.com/looplab/fsm"
)

// State of the cloud channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const (
	eventDial        = "dial"
	eventEstablished = "established"
	eventFault       = "fault"
	eventStop        = "stop"
)

func newMachine(onEnter func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventDial, Src: []string{string(StateDisconnected), string(StateReconnecting)}, Dst: string(StateConnecting)},
			{Name: eventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventFault, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateReconnecting)},
			{Name: eventStop, Src: []string{string(StateConnecting), string(StateConnected), string(StateReconnecting)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(State(e.Src), State(e.Dst))
				}
			},
		},
	)
}

package dispatch

import (
	"sync"

	"booth-agent/agent/internal/device"
)

// lane is the FIFO of command ids for one device, drained by one goroutine.
type lane struct {
	svc  device.Service
	mu   sync.Mutex
	ids  []string
	wake chan struct{}
}

func (l *lane) push(id string) {
	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) pop() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ids) == 0 {
		return "", false
	}
	id := l.ids[0]
	l.ids = l.ids[1:]
	return id, true
}

// laneLocked returns the lane for svc, starting its worker. d.mu must be held.
func (d *Dispatcher) laneLocked(svc device.Service) *lane {
	if l, ok := d.lanes[svc.ID()]; ok {
		return l
	}
	l := &lane{svc: svc, wake: make(chan struct{}, 1)}
	d.lanes[svc.ID()] = l
	if d.base.Err() == nil {
		d.wg.Add(1)
		go d.work(l)
	}
	return l
}

func (d *Dispatcher) work(l *lane) {
	defer d.wg.Done()
	for {
		id, ok := l.pop()
		if !ok {
			select {
			case <-d.base.Done():
				return
			case <-l.wake:
				continue
			}
		}
		if d.base.Err() != nil {
			return
		}
		d.execute(l.svc, id)
	}
}

// Pending reports how many commands wait on each device lane.
func (d *Dispatcher) Pending() map[string]int {
	d.mu.Lock()
	lanes := make(map[string]*lane, len(d.lanes))
	for id, l := range d.lanes {
		lanes[id] = l
	}
	d.mu.Unlock()
	out := make(map[string]int, len(lanes))
	for id, l := range lanes {
		l.mu.Lock()
		out[id] = len(l.ids)
		l.mu.Unlock()
	}
	return out
}

// Busy reports whether a command is executing on the device right now.
func (d *Dispatcher) Busy(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy[deviceID] > 0
}

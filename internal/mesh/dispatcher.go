package mesh

import "sync"

// dispatcher fans events out to subscribers without ever blocking the
// caller. A subscriber whose buffer is full misses the event.
type dispatcher struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
	onDrop func(Event)
}

func newDispatcher(onDrop func(Event)) *dispatcher {
	return &dispatcher{
		subs:   make(map[int]chan Event),
		onDrop: onDrop,
	}
}

func (d *dispatcher) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
		return ch, func() {}
	}

	id := d.next
	d.next++
	d.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if sub, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(sub)
			}
		})
	}
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			if d.onDrop != nil {
				d.onDrop(ev)
			}
		}
	}
}

// close closes every subscriber channel. Later emits are ignored.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
}

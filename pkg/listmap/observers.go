package listmap

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/listmap/pkg/codec"
	"github.com/astromechza/listmap/pkg/engine"
)

type Event string

const (
	EventReady      Event = "ready"
	EventChange     Event = "change"
	EventDisconnect Event = "disconnect"
)

// Notification is what handlers receive. Which fields are set depends on Event.
type Notification struct {
	Event Event

	// Path, Old, New and Source describe a change.
	Path   codec.Path
	Old    any
	New    any
	Source engine.Source

	// Document is the merged document at ready.
	Document map[string]any

	// Err is the transport failure behind a disconnect, if known.
	Err error
}

type Handler func(Notification)

type registration struct {
	event   Event
	prefix  codec.Path
	handler Handler
}

func (r *registration) matches(n *Notification) bool {
	if r.event != n.Event {
		return false
	}
	return n.Event != EventChange || n.Path.HasPrefix(r.prefix)
}

type queued struct {
	n Notification
	// only restricts delivery to one registration, used for late ready handlers.
	only *registration
}

// observers delivers notifications in FIFO order, one handler at a time. Whoever enqueues drains, unless another
// goroutine (or an outer frame of the same handler chain) is already draining, in which case that drain picks the new
// notifications up. Handlers therefore never run re-entrantly.
type observers struct {
	logger *slog.Logger

	mu       sync.Mutex
	regs     []*registration
	queue    []queued
	draining bool
	closed   bool
}

func (o *observers) add(r *registration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.regs = append(o.regs, r)
}

func (o *observers) enqueue(items ...queued) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.queue = append(o.queue, items...)
}

func (o *observers) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.queue = nil
}

func (o *observers) drain() {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	for len(o.queue) > 0 && !o.closed {
		item := o.queue[0]
		o.queue = o.queue[1:]
		regs := append([]*registration(nil), o.regs...)
		o.mu.Unlock()

		for _, r := range regs {
			if item.only != nil && item.only != r {
				continue
			}
			if r.matches(&item.n) {
				o.call(r, item.n)
			}
		}

		o.mu.Lock()
	}
	o.draining = false
	o.mu.Unlock()
}

func (o *observers) call(r *registration, n Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("observer panicked", "event", n.Event, "path", n.Path.String(), "panic", fmt.Sprint(rec))
		}
	}()
	r.handler(n)
}

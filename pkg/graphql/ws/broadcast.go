package ws

import (
	"context"
	"sync"
)

// Inbox receives every envelope carrying one id, from the moment it is
// registered until it is closed.
type Inbox struct {
	id  MessageID
	gen uint64

	q *queue[*OperationMessage]

	done      chan struct{}
	closeOnce sync.Once

	failed   chan struct{}
	failOnce sync.Once
	err      error

	b *broadcast
}

func (in *Inbox) fail(err error) {
	in.failOnce.Do(func() {
		in.err = err
		close(in.failed)
	})
}

// Next returns the next envelope for this id. Envelopes that arrived before
// the socket failed are handed out before the failure is.
func (in *Inbox) Next(ctx context.Context) (*OperationMessage, error) {
	for {
		if msg, ok := in.q.pop(); ok {
			return msg, nil
		}

		select {
		case <-in.q.wait():
		case <-in.failed:
			if msg, ok := in.q.pop(); ok {
				return msg, nil
			}

			return nil, in.err
		case <-in.done:
			return nil, ErrDetached
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close unregisters the Inbox. It is safe to call more than once.
func (in *Inbox) Close() {
	in.closeOnce.Do(func() {
		close(in.done)
		in.b.unregister(in)
	})
}

// broadcast fans parsed envelopes out to the inboxes registered for their
// id. It is fed by the single reader of the current socket.
type broadcast struct {
	registered map[MessageID][]*Inbox

	deadUpTo uint64
	deadErr  error

	size int
	rw   sync.RWMutex
}

func newBroadcast(size int) *broadcast {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &broadcast{
		registered: map[MessageID][]*Inbox{},
		size:       size,
	}
}

// Register must happen before the start message for id is sent so that a
// fast reply can't slip past.
func (b *broadcast) Register(id MessageID) *Inbox {
	in := &Inbox{
		id:     id,
		q:      newQueue[*OperationMessage](b.size),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
		b:      b,
	}

	b.rw.Lock()
	defer b.rw.Unlock()

	b.registered[id] = append(b.registered[id], in)

	return in
}

// bind ties the Inbox to the socket generation its start was sent on.
func (b *broadcast) bind(in *Inbox, gen uint64) {
	b.rw.Lock()
	defer b.rw.Unlock()

	in.gen = gen

	if gen <= b.deadUpTo {
		in.fail(b.deadErr)
	}
}

func (b *broadcast) unregister(in *Inbox) {
	b.rw.Lock()
	defer b.rw.Unlock()

	oldRegistered := b.registered[in.id]
	newRegistered := make([]*Inbox, 0, len(oldRegistered))
	for _, regIn := range oldRegistered {
		if regIn != in {
			newRegistered = append(newRegistered, regIn)
		}
	}

	if len(newRegistered) == 0 {
		delete(b.registered, in.id)
	} else {
		b.registered[in.id] = newRegistered
	}
}

// Send queues msg on every open Inbox registered for its id and reports how
// many took it. It never waits on a consumer, so one slow id can't hold up
// the socket reader for the others.
func (b *broadcast) Send(msg *OperationMessage) int {
	b.rw.RLock()
	inboxes := append([]*Inbox(nil), b.registered[msg.MessageID()]...)
	b.rw.RUnlock()

	delivered := 0
	for _, in := range inboxes {
		select {
		case <-in.done:
			continue
		default:
		}

		in.q.push(msg)
		delivered++
	}

	return delivered
}

// Fail signals every Inbox bound to gen that its socket has gone.
func (b *broadcast) Fail(gen uint64, err error) {
	b.rw.Lock()
	defer b.rw.Unlock()

	if gen > b.deadUpTo {
		b.deadUpTo = gen
		b.deadErr = err
	}

	for _, inboxes := range b.registered {
		for _, in := range inboxes {
			if in.gen == gen {
				in.fail(err)
			}
		}
	}
}

// FailAll signals every registered Inbox, bound or not.
func (b *broadcast) FailAll(err error) {
	b.rw.Lock()
	defer b.rw.Unlock()

	for _, inboxes := range b.registered {
		for _, in := range inboxes {
			in.fail(err)
		}
	}
}

func (b *broadcast) Len() int {
	b.rw.RLock()
	defer b.rw.RUnlock()

	return len(b.registered)
}

package store

import (
	"sync"

	"github.com/google/uuid"
)

// Notification announces a commit. Delivery is best effort and happens
// after the commit is durable; a full buffer drops notifications.
type Notification struct {
	Roots          []uuid.UUID
	TransactionIDs map[uuid.UUID]int64
	Revisions      []uuid.UUID
	// Source identifies the store instance that committed.
	Source string
	// Remote is set on notifications that arrived over a MessageBus.
	Remote bool
}

// MessageBus connects store instances that share persisted state. It only
// informs; it never grants write access.
type MessageBus interface {
	Publish(n Notification)
	Subscribe(fn func(Notification)) (cancel func())
}

// Subscribe registers fn for every notification of this store, local
// commits and bus messages alike. fn runs on the delivery goroutine and
// must not block.
func (s *Store) Subscribe(fn func(Notification)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(n Notification) {
	select {
	case s.notes <- n:
	default:
		s.log.Warn("notification dropped", logKeyRoots, len(n.Roots))
	}
}

func (s *Store) receiveRemote(n Notification) {
	if n.Source == s.id || s.closed.Load() {
		return
	}
	n.Remote = true
	s.publish(n)
}

func (s *Store) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case n := <-s.notes:
			s.deliver(n)
		case <-s.quit:
			return
		}
	}
}

func (s *Store) deliver(n Notification) {
	s.subMu.RLock()
	fns := make([]func(Notification), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
	if !n.Remote && s.opts.Bus != nil {
		s.opts.Bus.Publish(n)
	}
}

// LocalBus is an in-process MessageBus.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[uint64]func(Notification)
	next uint64
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[uint64]func(Notification))}
}

func (b *LocalBus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(n)
	}
}

func (b *LocalBus) Subscribe(fn func(Notification)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

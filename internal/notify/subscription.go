package notify

import (
	"sync"
)

// Subscription receives events for one topic. Done is closed when the
// subscription ends; Err then tells whether it ended because of lag or
// shutdown (non-nil) or a plain Unsubscribe (nil). Events is never closed.
type Subscription struct {
	Topic  string
	Events chan Event
	Done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func newSubscription(topic string) *Subscription {
	return &Subscription{
		Topic:  topic,
		Events: make(chan Event, subscriptionBuffer),
		Done:   make(chan struct{}),
	}
}

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// deliver hands ev to the subscriber without blocking. A full buffer closes
// the subscription with ErrLagged so no event is silently dropped.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.Events <- ev:
		return true
	default:
		s.closeLocked(ErrLagged)
		return false
	}
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(err)
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.Done)
}

// fanout tracks subscribers per topic.
type fanout struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
}

func newFanout() *fanout {
	return &fanout{topics: make(map[string]map[*Subscription]struct{})}
}

// add registers sub and reports whether it is the first one on its topic.
func (f *fanout) add(sub *Subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.topics[sub.Topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		f.topics[sub.Topic] = subs
	}
	subs[sub] = struct{}{}
	return !ok
}

// remove unregisters sub and reports whether its topic is now empty.
func (f *fanout) remove(sub *Subscription, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub.close(err)
	subs, ok := f.topics[sub.Topic]
	if !ok {
		return false
	}
	if _, ok := subs[sub]; !ok {
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(f.topics, sub.Topic)
		return true
	}
	return false
}

// deliver sends ev to every subscriber of topic and drops the ones that lagged.
func (f *fanout) deliver(topic string, ev Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := 0
	for sub := range f.topics[topic] {
		if sub.deliver(ev) {
			delivered++
			continue
		}
		delete(f.topics[topic], sub)
	}
	if len(f.topics[topic]) == 0 {
		delete(f.topics, topic)
	}
	return delivered
}

func (f *fanout) closeTopic(topic string, err error) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.topics[topic]
	for sub := range subs {
		sub.close(err)
	}
	delete(f.topics, topic)
	return len(subs)
}

func (f *fanout) closeAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for topic, subs := range f.topics {
		for sub := range subs {
			sub.close(err)
		}
		delete(f.topics, topic)
	}
}

func (f *fanout) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics[topic])
}

func (f *fanout) total() (topics, subs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.topics {
		subs += len(s)
	}
	return len(f.topics), subs
}

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/vsariola/patchbay"
)

type (
	// Listener receives the messages emitted on a channel it is subscribed to.
	// Listeners are called by Poll, on the goroutine calling it.
	Listener interface {
		Receive(channel string, m patchbay.Message)
	}

	ListenerFunc func(channel string, m patchbay.Message)

	// Subscription identifies one registration of a listener on a channel.
	Subscription struct {
		channel  string
		listener Listener
	}

	// subscriptions maps channels to listeners in registration order. The
	// audio thread only reads the active set, which is replaced as a whole
	// when the first listener of a channel arrives or the last one leaves.
	subscriptions struct {
		mu        sync.Mutex
		listeners map[string][]*Subscription
		active    atomic.Pointer[map[string]struct{}]
	}
)

func (f ListenerFunc) Receive(channel string, m patchbay.Message) { f(channel, m) }

func (s *Subscription) Channel() string { return s.channel }

func newSubscriptions() *subscriptions {
	s := &subscriptions{listeners: map[string][]*Subscription{}}
	s.publish()
	return s
}

func (s *subscriptions) add(channel string, l Listener) *Subscription {
	sub := &Subscription{channel: channel, listener: l}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := len(s.listeners[channel]) == 0
	s.listeners[channel] = append(s.listeners[channel], sub)
	if first {
		s.publish()
	}
	return sub
}

// remove removes sub from channel, or every listener of channel if sub is nil.
// It reports whether anything was removed.
func (s *subscriptions) remove(channel string, sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.listeners[channel]
	if len(list) == 0 {
		return false
	}
	if sub == nil {
		delete(s.listeners, channel)
		s.publish()
		return true
	}
	for i, t := range list {
		if t == sub {
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(s.listeners, channel)
				s.publish()
			} else {
				s.listeners[channel] = list
			}
			return true
		}
	}
	return false
}

// snapshot returns the listeners of a channel. The slice is never modified
// afterwards, so it can be iterated without holding the lock.
func (s *subscriptions) snapshot(channel string) []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[channel]
}

func (s *subscriptions) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]string, 0, len(s.listeners))
	for ch := range s.listeners {
		ret = append(ret, ch)
	}
	return ret
}

// subscribed is called on the audio thread.
func (s *subscriptions) subscribed(channel string) bool {
	_, ok := (*s.active.Load())[channel]
	return ok
}

func (s *subscriptions) publish() {
	set := make(map[string]struct{}, len(s.listeners))
	for ch := range s.listeners {
		set[ch] = struct{}{}
	}
	s.active.Store(&set)
}

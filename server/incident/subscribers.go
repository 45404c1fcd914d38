package incident

import (
	"sync"

	"github.com/centinelacam/centinela/server/pipeline"
)

// MaxSubscribers bounds the fan-out list; a subscriber is typically one
// connected operator client.
const MaxSubscribers = 64

// subscriberChanSize leaves room for a burst of events per subscriber
const subscriberChanSize = 32

// Subscriber receives the events its filter accepts. Delivery is
// best-effort and at-most-once: a subscriber that stops draining its
// channel is removed rather than blocked on.
type Subscriber struct {
	C      chan *pipeline.Event
	filter func(*pipeline.Event) bool
	id     int64
}

type subscriberList struct {
	lock   sync.Mutex
	nextID int64
	subs   []*Subscriber
}

// Subscribe registers a new subscriber. filter may be nil to accept every
// event. Returns nil when the list is full.
func (l *subscriberList) Subscribe(filter func(*pipeline.Event) bool) *Subscriber {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.subs) >= MaxSubscribers {
		return nil
	}
	l.nextID++
	sub := &Subscriber{
		C:      make(chan *pipeline.Event, subscriberChanSize),
		filter: filter,
		id:     l.nextID,
	}
	l.subs = append(l.subs, sub)
	return sub
}

func (l *subscriberList) Unsubscribe(sub *Subscriber) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for i, s := range l.subs {
		if s == sub {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

// notify delivers ev to every subscriber whose filter accepts it, and
// returns the subscribers that failed (full channel) after removing them.
func (l *subscriberList) notify(ev *pipeline.Event) []*Subscriber {
	l.lock.Lock()
	defer l.lock.Unlock()
	failed := []*Subscriber{}
	kept := l.subs[:0]
	for _, s := range l.subs {
		if s.filter != nil && !s.filter(ev) {
			kept = append(kept, s)
			continue
		}
		select {
		case s.C <- ev:
			kept = append(kept, s)
		default:
			failed = append(failed, s)
		}
	}
	l.subs = kept
	return failed
}

func (l *subscriberList) count() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.subs)
}

package main

import (
	"log/slog"
	"sync/atomic"

	"github.com/breez/kv-sync/kv"
)

const subscriptionBuffer = 64

type changeRecordEvent struct {
	pubkey string
	record kv.RemoteRecord
}

type notifyChange struct {
	pubkey string
	record kv.RemoteRecord
}

type unsubscribe struct {
	pubkey string
	id     int64
}

type subscription struct {
	id         int64
	pubkey     string
	eventsChan chan *changeRecordEvent
}

// eventsManager fans record changes out to the change feed subscribers of
// the same user. A subscriber that falls behind misses events and catches up
// with its next full reconciliation.
type eventsManager struct {
	globalIDs atomic.Int64
	streams   map[string][]*subscription
	msgChan   chan interface{}
	quitChan  chan struct{}
	logger    *slog.Logger
	metrics   *serverMetrics
}

func newEventsManager(logger *slog.Logger, metrics *serverMetrics) *eventsManager {
	return &eventsManager{
		streams: make(map[string][]*subscription),
		msgChan: make(chan interface{}),
		logger:  logger,
		metrics: metrics,
	}
}

func (c *eventsManager) start(quitChan chan struct{}) {
	c.quitChan = quitChan
	go func() {
		for {
			select {
			case <-quitChan:
				return
			default:
			}
			select {
			case msg := <-c.msgChan:
				if s, ok := msg.(*subscription); ok {
					c.streams[s.pubkey] = append(c.streams[s.pubkey], s)
					c.metrics.subscribers.Inc()
				}
				if s, ok := msg.(*unsubscribe); ok {
					var newSubs []*subscription
					for _, sub := range c.streams[s.pubkey] {
						if sub.id != s.id {
							newSubs = append(newSubs, sub)
							continue
						}
						close(sub.eventsChan)
						c.metrics.subscribers.Dec()
					}
					delete(c.streams, s.pubkey)
					if len(newSubs) > 0 {
						c.streams[s.pubkey] = newSubs
					}
				}
				if s, ok := msg.(*notifyChange); ok {
					for _, sub := range c.streams[s.pubkey] {
						select {
						case sub.eventsChan <- &changeRecordEvent{pubkey: s.pubkey, record: s.record}:
						default:
							c.logger.Warn("dropping change event for slow subscriber",
								slog.Int64("subscription", sub.id),
								slog.String("key", s.record.Key))
						}
					}
				}

			case <-quitChan:
				return
			}
		}
	}()
}

// send hands msg to the manager loop. It reports false once the manager
// stopped.
func (c *eventsManager) send(msg interface{}) bool {
	select {
	case c.msgChan <- msg:
		return true
	case <-c.quitChan:
		return false
	}
}

func (c *eventsManager) notifyChange(pubkey string, record kv.RemoteRecord) {
	record.Value = nil
	c.send(&notifyChange{pubkey: pubkey, record: record})
}

// subscribe registers a change feed. The events channel of a subscription
// made after the manager stopped is closed right away.
func (c *eventsManager) subscribe(pubkey string) *subscription {
	eventsChan := make(chan *changeRecordEvent, subscriptionBuffer)
	s := &subscription{pubkey: pubkey, eventsChan: eventsChan, id: c.globalIDs.Add(1)}
	if !c.send(s) {
		close(eventsChan)
	}
	return s
}

func (c *eventsManager) unsubscribe(pubkey string, id int64) {
	c.send(&unsubscribe{pubkey: pubkey, id: id})
}

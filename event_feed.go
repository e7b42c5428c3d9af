package main

import (
	"sync"

	"github.com/pebbe/zmq4"
)

const (
	feedTopicWorker   = "worker"
	feedTopicAttempt  = "attempt"
	feedTopicThrottle = "throttle"
)

type feedMessage struct {
	topic   string
	payload any
}

// eventFeed publishes fleet events on a ZeroMQ PUB socket so external
// dashboards can subscribe without polling the HTTP status surface. ZeroMQ
// sockets are not safe for concurrent use, so publishers enqueue and a
// single goroutine owns the socket. The queue drops on overflow; the feed is
// best-effort by nature (PUB drops for slow subscribers anyway).
type eventFeed struct {
	queue    chan feedMessage
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newEventFeed(bindAddr string) (*eventFeed, error) {
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := sock.SetSndhwm(defaultEventFeedHighWaterMark); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Bind(bindAddr); err != nil {
		sock.Close()
		return nil, err
	}
	f := &eventFeed{
		queue: make(chan feedMessage, 256),
		done:  make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run(sock)
	logger.Info("event feed bound", "addr", bindAddr)
	return f, nil
}

func (f *eventFeed) run(sock *zmq4.Socket) {
	defer f.wg.Done()
	defer sock.Close()
	for {
		select {
		case <-f.done:
			return
		case msg := <-f.queue:
			raw, err := fastJSONMarshal(msg.payload)
			if err != nil {
				logger.Error("encoding feed event", "topic", msg.topic, "error", err)
				continue
			}
			if _, err := sock.SendMessageDontwait(msg.topic, raw); err != nil {
				logger.Debug("feed send dropped", "topic", msg.topic, "error", err)
			}
		}
	}
}

// publish enqueues an event. Nil-safe and never blocks; events beyond the
// queue capacity are dropped.
func (f *eventFeed) publish(topic string, payload any) {
	if f == nil {
		return
	}
	select {
	case f.queue <- feedMessage{topic: topic, payload: payload}:
	default:
	}
}

func (f *eventFeed) Stop() {
	if f == nil {
		return
	}
	f.stopOnce.Do(func() {
		close(f.done)
		f.wg.Wait()
	})
}

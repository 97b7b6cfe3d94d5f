package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/groutine"
)

// DefaultQueueSize is the number of native events buffered ahead of the dispatcher
const DefaultQueueSize = 256

// Commander is the command half of the native device bridge.
// Every call is an asynchronous native command; returning means the bridge acknowledged it.
type Commander interface {
	StartBle(ctx context.Context, opts device.StartOptions) error
	StopBle(ctx context.Context) error
	SetPatientID(ctx context.Context, id string) error
	SetUploadEndpoint(ctx context.Context, url string) error
}

// Native is the full capability surface of a platform radio bridge.
// Listen registers the single sink for native events. After the returned
// remove func returns, the native side must not call sink again.
type Native interface {
	Commander
	Listen(sink func(Event)) (remove func())
}

// Handler receives events of the channel it was subscribed to
type Handler func(Event)

type subscriber struct {
	id      uint64
	channel Channel
	handler Handler
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id      uint64
	channel Channel
	bridge  *EventBridge
	once    sync.Once
}

// Channel returns the channel this subscription listens on
func (s *Subscription) Channel() Channel {
	return s.channel
}

// Unsubscribe releases the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bridge.subs.Del(s.id)
		s.bridge.logger.WithFields(logrus.Fields{
			"channel": s.channel,
			"id":      s.id,
		}).Debug("Released bridge subscription")
	})
}

// barrier is an internal event used by Flush
type barrier struct {
	done chan struct{}
}

func (barrier) Channel() Channel { return "" }

// EventBridge presents the native bridge's event stream as independently
// subscribable channels. All events pass through one dispatcher goroutine,
// so handlers never run concurrently and per-channel emission order is kept.
type EventBridge struct {
	native Native
	logger *logrus.Logger

	subs   *hashmap.Map[uint64, *subscriber]
	nextID atomic.Uint64

	queue chan Event
	stop  chan struct{}
	wg    sync.WaitGroup

	mu             sync.RWMutex
	opened         bool
	closed         bool
	removeListener func()

	dispatched atomic.Int64
	dropped    atomic.Int64
}

// New creates an EventBridge over native. queueSize <= 0 selects DefaultQueueSize.
func New(native Native, queueSize int, logger *logrus.Logger) *EventBridge {
	if logger == nil {
		logger = logrus.New()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &EventBridge{
		native: native,
		logger: logger,
		subs:   hashmap.New[uint64, *subscriber](),
		queue:  make(chan Event, queueSize),
		stop:   make(chan struct{}),
	}
}

// Native returns the command surface of the wrapped bridge
func (b *EventBridge) Native() Commander {
	return b.native
}

// Open registers the native listener and starts the dispatcher
func (b *EventBridge) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return device.ErrClosed
	}
	if b.opened {
		return fmt.Errorf("event bridge already open")
	}

	groutine.GoWait(ctx, &b.wg, "bridge-dispatcher", b.run)
	b.removeListener = b.native.Listen(b.emit)
	b.opened = true

	b.logger.WithField("queue_size", cap(b.queue)).Debug("Event bridge opened")
	return nil
}

// Subscribe registers handler for channel. An unknown channel is a configuration error.
func (b *EventBridge) Subscribe(channel Channel, handler Handler) (*Subscription, error) {
	if !channel.Valid() {
		return nil, device.NewConfigurationError("channel", fmt.Sprintf("%q", channel), device.ErrUnknownChannel)
	}
	if handler == nil {
		return nil, device.NewConfigurationError("handler", "handler is nil", nil)
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, device.ErrClosed
	}

	id := b.nextID.Add(1)
	b.subs.Set(id, &subscriber{id: id, channel: channel, handler: handler})

	b.logger.WithFields(logrus.Fields{
		"channel": channel,
		"id":      id,
	}).Debug("Added bridge subscription")

	return &Subscription{id: id, channel: channel, bridge: b}, nil
}

// OnStatus subscribes a typed handler to the status channel
func (b *EventBridge) OnStatus(fn func(StatusEvent)) (*Subscription, error) {
	return b.Subscribe(ChannelStatus, func(e Event) {
		if ev, ok := e.(StatusEvent); ok {
			fn(ev)
		}
	})
}

// OnDevice subscribes a typed handler to the device channel
func (b *EventBridge) OnDevice(fn func(DeviceEvent)) (*Subscription, error) {
	return b.Subscribe(ChannelDevice, func(e Event) {
		if ev, ok := e.(DeviceEvent); ok {
			fn(ev)
		}
	})
}

// OnReading subscribes a typed handler to the reading channel
func (b *EventBridge) OnReading(fn func(ReadingEvent)) (*Subscription, error) {
	return b.Subscribe(ChannelReading, func(e Event) {
		if ev, ok := e.(ReadingEvent); ok {
			fn(ev)
		}
	})
}

// OnError subscribes a typed handler to the error channel
func (b *EventBridge) OnError(fn func(ErrorEvent)) (*Subscription, error) {
	return b.Subscribe(ChannelError, func(e Event) {
		if ev, ok := e.(ErrorEvent); ok {
			fn(ev)
		}
	})
}

// SubscriptionCount returns the number of live subscriptions
func (b *EventBridge) SubscriptionCount() int {
	return b.subs.Len()
}

// Flush blocks until every event emitted before the call has been dispatched
func (b *EventBridge) Flush(ctx context.Context) error {
	bar := barrier{done: make(chan struct{})}

	select {
	case b.queue <- bar:
	case <-b.stop:
		return device.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-bar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the number of dispatched and dropped events
func (b *EventBridge) Stats() (dispatched, dropped int64) {
	return b.dispatched.Load(), b.dropped.Load()
}

// Close removes the native listener, drains queued events and releases every subscription
func (b *EventBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	remove := b.removeListener
	b.removeListener = nil
	b.mu.Unlock()

	if remove != nil {
		remove()
	}
	close(b.stop)
	b.wg.Wait()

	var ids []uint64
	b.subs.Range(func(id uint64, _ *subscriber) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		b.subs.Del(id)
	}
	released := len(ids)

	b.logger.WithField("released", released).Debug("Event bridge closed")
	return nil
}

// emit is the sink handed to the native bridge
func (b *EventBridge) emit(e Event) {
	if e == nil || !e.Channel().Valid() {
		b.logger.WithField("event", fmt.Sprintf("%T", e)).Warn("Dropping event with unknown channel")
		b.dropped.Add(1)
		return
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		b.dropped.Add(1)
		b.logger.WithField("channel", e.Channel()).Debug("Dropping event emitted after close")
		return
	}

	select {
	case b.queue <- e:
	case <-b.stop:
		b.dropped.Add(1)
	}
}

func (b *EventBridge) run(ctx context.Context) {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		case <-b.stop:
			for {
				select {
				case e := <-b.queue:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (b *EventBridge) dispatch(e Event) {
	if bar, ok := e.(barrier); ok {
		close(bar.done)
		return
	}

	channel := e.Channel()
	var targets []*subscriber
	b.subs.Range(func(_ uint64, s *subscriber) bool {
		if s.channel == channel {
			targets = append(targets, s)
		}
		return true
	})
	// Subscription order, so earlier subscribers always observe an event first
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, s := range targets {
		b.invoke(s, e)
	}
	b.dispatched.Add(1)
}

func (b *EventBridge) invoke(s *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"channel": s.channel,
				"id":      s.id,
				"panic":   r,
			}).Error("Bridge event handler panicked")
		}
	}()
	s.handler(e)
}

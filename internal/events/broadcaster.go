// Package events fans session events out to live subscribers and durable sinks.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"meeting-transcript-service/internal/models"
	"meeting-transcript-service/internal/observability/logging"
	"meeting-transcript-service/internal/observability/metrics"
)

// Subscriber receives events one at a time, in publish order.
// A returned error removes the subscriber unless it was subscribed durably.
type Subscriber interface {
	Deliver(ctx context.Context, evt models.Event) error
}

// Handle identifies a subscription.
type Handle string

// Options tunes the broadcaster.
type Options struct {
	QueueSize       int           // per-subscriber backlog before it is pruned
	DeliveryTimeout time.Duration // bound on a single Deliver call
}

// DefaultOptions returns the default broadcaster options.
func DefaultOptions() Options {
	return Options{
		QueueSize:       64,
		DeliveryTimeout: 5 * time.Second,
	}
}

type subscription struct {
	handle Handle
	sub    Subscriber
	queue  chan models.Event
	ctx    context.Context // canceled on removal
	cancel context.CancelFunc

	// durable subscriptions shed their oldest queued event when full and
	// survive delivery errors. Only Unsubscribe and Close remove them.
	durable bool
}

// Broadcaster delivers every published event to every subscriber. Each
// subscriber has its own queue and goroutine, so Publish never waits on a
// slow consumer. One whose queue fills up is dropped instead, or for a
// durable subscriber, its oldest queued event is.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[Handle]*subscription
	closed  bool
	wg      sync.WaitGroup
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewBroadcaster creates a Broadcaster. A nil m uses the default metrics.
func NewBroadcaster(opts Options, m *metrics.Metrics) *Broadcaster {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = def.DeliveryTimeout
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Broadcaster{
		subs:    make(map[Handle]*subscription),
		opts:    opts,
		metrics: m,
		logger:  logging.WithComponent("broadcaster"),
	}
}

// Subscribe registers sub and returns its handle. After Close it returns an
// empty handle and sub never receives anything.
func (b *Broadcaster) Subscribe(sub Subscriber) Handle {
	return b.subscribe(sub, b.opts.QueueSize, false)
}

// SubscribeDurable registers a sink that must outlive stalls, such as the
// Kafka sink. When its queue is full the oldest queued event is dropped and
// counted, and delivery errors are logged without removing it.
func (b *Broadcaster) SubscribeDurable(sub Subscriber, queueSize int) Handle {
	return b.subscribe(sub, queueSize, true)
}

func (b *Broadcaster) subscribe(sub Subscriber, queueSize int, durable bool) Handle {
	if queueSize <= 0 {
		queueSize = b.opts.QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		handle:  Handle(ulid.Make().String()),
		sub:     sub,
		queue:   make(chan models.Event, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		durable: durable,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		closeSubscriber(sub)
		return ""
	}
	b.subs[s.handle] = s
	n := len(b.subs)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	b.metrics.RecordSubscribers(n)
	b.logger.Info().Str("handle", string(s.handle)).Bool("durable", durable).Int("subscribers", n).Msg("Subscriber added")
	return s.handle
}

// Unsubscribe removes a subscriber. Events already queued for it are discarded.
func (b *Broadcaster) Unsubscribe(h Handle) bool {
	return b.remove(h, "")
}

// Publish queues evt for every subscriber without blocking.
func (b *Broadcaster) Publish(evt models.Event) {
	var full []Handle

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for h, s := range b.subs {
		select {
		case s.queue <- evt:
		default:
			if s.durable {
				b.shed(s, evt)
				continue
			}
			full = append(full, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range full {
		b.logger.Warn().Str("handle", string(h)).Str("eventType", string(evt.Type)).Msg("Subscriber queue full, removing")
		b.remove(h, "queue_full")
	}
}

// shed makes room in a durable subscriber's full queue by dropping its
// oldest events until evt fits.
func (b *Broadcaster) shed(s *subscription, evt models.Event) {
	for {
		select {
		case s.queue <- evt:
			return
		default:
		}
		select {
		case old := <-s.queue:
			b.metrics.RecordEventDropped(string(old.Type))
			b.logger.Warn().
				Str("handle", string(s.handle)).
				Str("eventType", string(old.Type)).
				Str("sessionId", old.SessionID).
				Msg("Durable subscriber queue full, dropping oldest event")
		default:
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes every subscriber and waits for in-flight deliveries.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for h, s := range b.subs {
		s.cancel()
		delete(b.subs, h)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.metrics.RecordSubscribers(0)
}

func (b *Broadcaster) remove(h Handle, reason string) bool {
	b.mu.Lock()
	s, ok := b.subs[h]
	if ok {
		delete(b.subs, h)
		s.cancel()
	}
	n := len(b.subs)
	b.mu.Unlock()

	if !ok {
		return false
	}
	b.metrics.RecordSubscribers(n)
	if reason != "" {
		b.metrics.RecordSubscriberPruned(reason)
	}
	b.logger.Info().Str("handle", string(h)).Str("reason", reason).Int("subscribers", n).Msg("Subscriber removed")
	return true
}

// run delivers queued events to one subscriber until it is removed or a
// delivery fails.
func (b *Broadcaster) run(s *subscription) {
	defer b.wg.Done()
	defer closeSubscriber(s.sub)

	for {
		var evt models.Event
		select {
		case <-s.ctx.Done():
			return
		case evt = <-s.queue:
		}
		if s.ctx.Err() != nil {
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, b.opts.DeliveryTimeout)
		err := s.sub.Deliver(ctx, evt)
		cancel()

		b.metrics.RecordDelivery(string(evt.Type), err)
		if err != nil && s.durable {
			b.logger.Warn().Err(err).
				Str("handle", string(s.handle)).
				Str("eventType", string(evt.Type)).
				Str("sessionId", evt.SessionID).
				Msg("Delivery to durable subscriber failed, event lost")
			continue
		}
		if err != nil {
			b.logger.Warn().Err(err).
				Str("handle", string(s.handle)).
				Str("eventType", string(evt.Type)).
				Str("sessionId", evt.SessionID).
				Msg("Delivery failed, removing subscriber")
			b.remove(s.handle, "error")
			return
		}
	}
}

func closeSubscriber(sub Subscriber) {
	if c, ok := sub.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			log := logging.WithComponent("broadcaster")
			log.Debug().Err(err).Msg("Subscriber close failed")
		}
	}
}

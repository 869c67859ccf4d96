// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/types"
)

// Store is the persistence surface the bus consumes. The full agent store
// satisfies it once bound to an agent id.
type Store interface {
	// AppendEvent durably appends one envelope to its channel timeline.
	AppendEvent(ctx context.Context, env Envelope) error
	// ReadEvents returns envelopes with seq > sinceSeq in seq order.
	// An empty channel reads all channels; the caller re-sorts.
	ReadEvents(ctx context.Context, channel Channel, sinceSeq uint64) ([]Envelope, error)
}

const (
	defaultTimelineSize = 1024
	defaultQueueSize    = 256
	defaultFailedSize   = 128
)

// Bus is the per-agent three-channel event bus. Emission is synchronous
// and lock-protected; subscriber delivery goes through bounded queues that
// drop oldest on overflow so a slow subscriber never blocks the emitter.
type Bus struct {
	store  Store
	logger *zap.Logger

	mu           sync.Mutex
	seq          uint64
	lastBookmark types.Bookmark
	timeline     []Envelope
	timelineSize int
	queueSize    int
	subs         map[uint64]*subscriber
	nextSubID    uint64

	handlerMu       sync.Mutex
	controlHandlers []func(Envelope)
	monitorHandlers []func(Envelope)

	failedMu   sync.Mutex
	failed     []Envelope
	failedSize int
	draining   bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithStore attaches durable event persistence.
func WithStore(s Store) BusOption {
	return func(b *Bus) { b.store = s }
}

// WithLogger sets the bus logger.
func WithLogger(l *zap.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// WithTimelineSize bounds the in-memory replay buffer.
func WithTimelineSize(n int) BusOption {
	return func(b *Bus) { b.timelineSize = n }
}

// WithQueueSize bounds each subscriber's delivery queue.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) { b.queueSize = n }
}

// WithFailedBufferSize bounds the degraded-mode retry buffer.
func WithFailedBufferSize(n int) BusOption {
	return func(b *Bus) { b.failedSize = n }
}

// NewBus creates an event bus. Without WithStore it is purely in-memory.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger:       zap.NewNop(),
		timelineSize: defaultTimelineSize,
		queueSize:    defaultQueueSize,
		failedSize:   defaultFailedSize,
		subs:         make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit assigns the next sequence number, broadcasts to live subscribers,
// fires synchronous handlers, and persists the envelope. Returns the
// stamped envelope.
//
// Delivery happens while b.mu is still held: the drop-oldest queues
// never block, and enqueueing under the lock is what keeps concurrent
// emitters (parallel tool goroutines) from racing seq assignment against
// delivery order — every subscriber sees envelopes in seq order with no
// gaps.
func (b *Bus) Emit(ctx context.Context, channel Channel, payload Payload) Envelope {
	b.mu.Lock()
	b.seq++
	bm := types.Bookmark{Seq: b.seq, Timestamp: time.Now()}
	b.lastBookmark = bm
	env := Envelope{Cursor: b.seq, Bookmark: bm, Event: NewEvent(channel, payload)}

	b.timeline = append(b.timeline, env)
	if len(b.timeline) > b.timelineSize {
		b.timeline = b.timeline[len(b.timeline)-b.timelineSize:]
	}
	for _, s := range b.subs {
		s.deliver(env)
	}
	b.mu.Unlock()

	b.fireHandlers(env)
	b.persist(ctx, env)
	return env
}

// fireHandlers invokes synchronous handlers in registration order. A
// panicking handler is logged and must not block emission.
func (b *Bus) fireHandlers(env Envelope) {
	var handlers []func(Envelope)
	b.handlerMu.Lock()
	switch env.Event.Channel {
	case ChannelControl:
		handlers = append(handlers, b.controlHandlers...)
	case ChannelMonitor:
		handlers = append(handlers, b.monitorHandlers...)
	}
	b.handlerMu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("event_type", env.Event.Type),
						zap.Any("panic", r))
				}
			}()
			h(env)
		}()
	}
}

func (b *Bus) persist(ctx context.Context, env Envelope) {
	if b.store == nil || env.Event.Type == TypeStorageFailure {
		return
	}
	if err := b.store.AppendEvent(ctx, env); err != nil {
		b.logger.Warn("event persistence failed",
			zap.String("event_type", env.Event.Type),
			zap.Uint64("seq", env.Seq()),
			zap.Error(err))
		buffered := 0
		if IsCritical(env.Event.Type) {
			b.failedMu.Lock()
			b.failed = append(b.failed, env)
			if len(b.failed) > b.failedSize {
				b.failed = b.failed[len(b.failed)-b.failedSize:]
			}
			buffered = len(b.failed)
			b.failedMu.Unlock()
		}
		b.Emit(ctx, ChannelMonitor, StorageFailure{
			Severity:        "warning",
			FailedEventType: env.Event.Type,
			BufferedCount:   buffered,
		})
		return
	}

	b.failedMu.Lock()
	pending := len(b.failed) > 0 && !b.draining
	if pending {
		b.draining = true
	}
	b.failedMu.Unlock()
	if pending {
		go b.drainFailed(context.WithoutCancel(ctx))
	}
}

// drainFailed retries buffered envelopes FIFO. A retry failure reinserts
// the envelope at the head and stops.
func (b *Bus) drainFailed(ctx context.Context) {
	defer func() {
		b.failedMu.Lock()
		b.draining = false
		b.failedMu.Unlock()
	}()
	for {
		b.failedMu.Lock()
		if len(b.failed) == 0 {
			b.failedMu.Unlock()
			return
		}
		env := b.failed[0]
		b.failed = b.failed[1:]
		b.failedMu.Unlock()

		if err := b.store.AppendEvent(ctx, env); err != nil {
			b.failedMu.Lock()
			b.failed = append([]Envelope{env}, b.failed...)
			b.failedMu.Unlock()
			b.logger.Warn("failed event retry unsuccessful",
				zap.Uint64("seq", env.Seq()), zap.Error(err))
			return
		}
	}
}

// FailedEventCount returns the number of envelopes awaiting retry.
func (b *Bus) FailedEventCount() int {
	b.failedMu.Lock()
	defer b.failedMu.Unlock()
	return len(b.failed)
}

// FlushFailedEvents synchronously retries all buffered envelopes.
// Returns the first persistence error, leaving the remainder buffered.
func (b *Bus) FlushFailedEvents(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	for {
		b.failedMu.Lock()
		if len(b.failed) == 0 {
			b.failedMu.Unlock()
			return nil
		}
		env := b.failed[0]
		b.failed = b.failed[1:]
		b.failedMu.Unlock()

		if err := b.store.AppendEvent(ctx, env); err != nil {
			b.failedMu.Lock()
			b.failed = append([]Envelope{env}, b.failed...)
			b.failedMu.Unlock()
			return err
		}
	}
}

// Cursor returns the next sequence number to be assigned. For every
// emitted envelope with seq S, Cursor() > S afterwards.
func (b *Bus) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq + 1
}

// LastBookmark returns the bookmark of the most recent emission.
func (b *Bus) LastBookmark() types.Bookmark {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastBookmark
}

// SeedFromBookmark fast-forwards the sequence counter so new emissions
// continue monotonically after a resume.
func (b *Bus) SeedFromBookmark(bm types.Bookmark) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bm.Seq > b.seq {
		b.seq = bm.Seq
		b.lastBookmark = bm
	}
}

// Subscribe returns a stream of envelopes for the given channels. With a
// nil since, only future events are delivered. With a bookmark, missed
// events replay first (from the store when older than the in-memory
// timeline), then the stream goes live; the per-subscription lastSeq
// filter guarantees no gaps and no duplicates across the seam.
// kinds, when non-empty, restricts delivery to those event types.
// The returned cancel function closes the stream.
func (b *Bus) Subscribe(ctx context.Context, channels []Channel, since *types.Bookmark, kinds ...string) (<-chan Envelope, func()) {
	s := newSubscriber(b.queueSize, channels, kinds)

	b.mu.Lock()
	if since == nil {
		s.lastSeq = b.seq
	} else {
		s.lastSeq = since.Seq
		for _, env := range b.replayLocked(ctx, since.Seq, channels) {
			s.deliver(env)
		}
	}
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}
	return s.ch, cancel
}

// replayLocked collects envelopes with seq > sinceSeq. Called with b.mu
// held so live emissions cannot interleave with the replay.
func (b *Bus) replayLocked(ctx context.Context, sinceSeq uint64, channels []Channel) []Envelope {
	var earliest uint64
	if len(b.timeline) > 0 {
		earliest = b.timeline[0].Seq()
	} else {
		earliest = b.seq + 1
	}

	var out []Envelope
	if sinceSeq+1 < earliest && b.store != nil {
		// Older than the in-memory timeline: read the store up to (not
		// including) the earliest in-memory seq. The store filter takes a
		// single-channel hint only; multi-channel reads filter here.
		var hint Channel
		if len(channels) == 1 {
			hint = channels[0]
		}
		stored, err := b.store.ReadEvents(ctx, hint, sinceSeq)
		if err != nil {
			b.logger.Warn("replay from store failed", zap.Error(err))
		} else {
			for _, env := range stored {
				if env.Seq() < earliest {
					out = append(out, env)
				}
			}
		}
	}
	for _, env := range b.timeline {
		if env.Seq() > sinceSeq {
			out = append(out, env)
		}
	}
	return out
}

// OnControl registers a synchronous handler for control payloads of type
// T, invoked inline after emit in registration order.
func OnControl[T Payload](b *Bus, handler func(Envelope, T)) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.controlHandlers = append(b.controlHandlers, typedHandler(handler))
}

// OnMonitor registers a synchronous handler for monitor payloads of type
// T, invoked inline after emit in registration order.
func OnMonitor[T Payload](b *Bus, handler func(Envelope, T)) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.monitorHandlers = append(b.monitorHandlers, typedHandler(handler))
}

func typedHandler[T Payload](handler func(Envelope, T)) func(Envelope) {
	return func(env Envelope) {
		if p, ok := env.Event.Payload.(T); ok {
			handler(env, p)
		}
	}
}

// subscriber holds one consumer's bounded queue and filters.
type subscriber struct {
	ch       chan Envelope
	channels map[Channel]bool
	kinds    map[string]bool

	mu      sync.Mutex
	lastSeq uint64
	closed  bool
}

func newSubscriber(queueSize int, channels []Channel, kinds []string) *subscriber {
	s := &subscriber{
		ch:       make(chan Envelope, queueSize),
		channels: make(map[Channel]bool, len(channels)),
	}
	for _, c := range channels {
		s.channels[c] = true
	}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	return s
}

// deliver enqueues an envelope, dropping the oldest queued envelope on
// overflow. Never blocks.
func (s *subscriber) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.channels) > 0 && !s.channels[env.Event.Channel] {
		return
	}
	if s.kinds != nil && !s.kinds[env.Event.Type] {
		return
	}
	if env.Seq() <= s.lastSeq {
		return
	}
	s.lastSeq = env.Seq()

	for {
		select {
		case s.ch <- env:
			return
		default:
			// Queue full: drop the oldest and retry. The consumer may win
			// the race for the head; the loop handles either outcome.
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

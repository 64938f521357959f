// Package pubsub streams per-run events to live subscribers and carries
// control signals (stop, error) to the worker instance holding a run's
// lease. It is the in-process analogue of a broker-backed channel
// abstraction: channels are plain Go channels, and the persisted replay
// list is a bounded in-memory ring rather than an external store.
package pubsub

import (
	"container/ring"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// Default sizing, matching the buffered-channel convention used for
// response-chunk streaming elsewhere in the stack.
const (
	subscriberBufferSize = 10
	defaultReplayCap     = 256
)

// ControlSignal is a control-channel message delivered to the worker
// instance that holds a run's lease.
type ControlSignal string

const (
	ControlStop  ControlSignal = "stop"
	ControlError ControlSignal = "error"
)

// Event is one message published to an event channel, stamped with a
// monotonic per-channel sequence number for replay.
type Event struct {
	Channel string
	Seq     int64
	Payload any
	At      time.Time
}

// EventChannel names the per-run event channel.
func EventChannel(runID string) string {
	return fmt.Sprintf("run:%s:events", runID)
}

// ControlChannel names a run's global control channel.
func ControlChannel(runID string) string {
	return fmt.Sprintf("run:%s:control", runID)
}

// InstanceControlChannel names a run's per-instance control channel.
func InstanceControlChannel(runID, instanceID string) string {
	return fmt.Sprintf("run:%s:control:%s", runID, instanceID)
}

// Bus is the streaming and control-signal abstraction used by
// ThreadRunner/RunOrchestrator. Implementations need not provide
// exactly-once delivery: publication is at-least-once to subscribers that
// are live at publish time, and the replay list preserves order within its
// TTL/capacity bound.
type Bus interface {
	// Publish delivers payload to every current subscriber of channel and
	// appends it to that channel's replay list.
	Publish(ctx context.Context, channel string, payload any) error

	// Subscribe returns a cold iterator of future events on channel. The
	// returned cancel func must be called to release the subscription.
	Subscribe(ctx context.Context, channel string) (events <-chan Event, cancel func())

	// Replay returns events recorded for runID's event channel at or after
	// fromOffset (a Seq value), among those the replay list still retains.
	// InProcessBus retains the most recent replayCap events per channel and
	// applies no TTL.
	Replay(ctx context.Context, runID string, fromOffset int64) ([]Event, error)

	// SendControl publishes signal to runID's global control channel, and
	// additionally to its per-instance channel when instanceID is non-empty.
	SendControl(ctx context.Context, runID string, signal ControlSignal, instanceID string) error

	// SubscribeControl subscribes to both the global and (if instanceID is
	// non-empty) per-instance control channel for runID, merging both into
	// one stream.
	SubscribeControl(ctx context.Context, runID, instanceID string) (signals <-chan ControlSignal, cancel func())

	// AcquireLease grants runID's execution lease to instanceID for ttl, if
	// no unexpired lease is currently held by a different instance.
	AcquireLease(ctx context.Context, runID, instanceID string, ttl time.Duration) (*models.Lease, error)

	// RefreshLease extends an already-held lease. It fails if instanceID no
	// longer holds the lease (expired or taken over).
	RefreshLease(ctx context.Context, runID, instanceID string, ttl time.Duration) error

	// ReleaseLease drops the lease if instanceID currently holds it.
	ReleaseLease(ctx context.Context, runID, instanceID string) error
}

// topic holds the subscriber set and bounded replay ring for one channel
// name.
type topic struct {
	mu       sync.Mutex
	subs     map[int]chan Event
	nextSub  int
	seq      int64
	replay   *ring.Ring
	replayN  int
	capacity int
}

func newTopic(capacity int) *topic {
	return &topic{
		subs:     make(map[int]chan Event),
		replay:   ring.New(capacity),
		capacity: capacity,
	}
}

func (t *topic) publish(payload any) Event {
	t.mu.Lock()
	t.seq++
	ev := Event{Seq: t.seq, Payload: payload, At: time.Now()}

	t.replay.Value = ev
	t.replay = t.replay.Next()
	if t.replayN < t.capacity {
		t.replayN++
	}

	subs := make([]chan Event, 0, len(t.subs))
	for _, ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber drops an event rather than blocking the
			// publisher; at-least-once is not guaranteed to a lagging
			// reader, matching the documented delivery guarantee.
		}
	}
	return ev
}

func (t *topic) subscribe() (chan Event, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan Event, subscriberBufferSize)
	t.subs[id] = ch
	return ch, id
}

func (t *topic) unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
}

func (t *topic) snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, 0, t.replayN)
	// Walk the ring starting replayN slots behind the write cursor, which is
	// the oldest retained entry.
	r := t.replay.Move(-t.replayN)
	for i := 0; i < t.replayN; i++ {
		if ev, ok := r.Value.(Event); ok {
			out = append(out, ev)
		}
		r = r.Next()
	}
	return out
}

// InProcessBus is the default Bus implementation: all state lives in
// process memory, scoped to the lifetime of the running binary.
type InProcessBus struct {
	replayCap int

	topicsMu sync.Mutex
	topics   map[string]*topic

	leasesMu sync.Mutex
	leases   map[string]*models.Lease
}

// NewInProcessBus constructs a Bus with the given per-channel replay
// capacity (0 selects the default).
func NewInProcessBus(replayCap int) *InProcessBus {
	if replayCap <= 0 {
		replayCap = defaultReplayCap
	}
	return &InProcessBus{
		replayCap: replayCap,
		topics:    make(map[string]*topic),
		leases:    make(map[string]*models.Lease),
	}
}

func (b *InProcessBus) topicFor(channel string) *topic {
	b.topicsMu.Lock()
	defer b.topicsMu.Unlock()
	t, ok := b.topics[channel]
	if !ok {
		t = newTopic(b.replayCap)
		b.topics[channel] = t
	}
	return t
}

func (b *InProcessBus) Publish(ctx context.Context, channel string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.topicFor(channel).publish(payload)
	return nil
}

func (b *InProcessBus) Subscribe(ctx context.Context, channel string) (<-chan Event, func()) {
	t := b.topicFor(channel)
	ch, id := t.subscribe()
	out := make(chan Event, subscriberBufferSize)

	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	cancel := func() {
		select {
		case <-done:
		default:
			close(done)
		}
		t.unsubscribe(id)
	}
	return out, cancel
}

func (b *InProcessBus) Replay(ctx context.Context, runID string, fromOffset int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := b.topicFor(EventChannel(runID))
	all := t.snapshot()
	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if ev.Seq >= fromOffset {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (b *InProcessBus) SendControl(ctx context.Context, runID string, signal ControlSignal, instanceID string) error {
	if err := b.Publish(ctx, ControlChannel(runID), signal); err != nil {
		return err
	}
	if instanceID != "" {
		return b.Publish(ctx, InstanceControlChannel(runID, instanceID), signal)
	}
	return nil
}

func (b *InProcessBus) SubscribeControl(ctx context.Context, runID, instanceID string) (<-chan ControlSignal, func()) {
	globalCh, globalCancel := b.Subscribe(ctx, ControlChannel(runID))
	var instCh <-chan Event
	var instCancel func()
	if instanceID != "" {
		instCh, instCancel = b.Subscribe(ctx, InstanceControlChannel(runID, instanceID))
	}

	out := make(chan ControlSignal, subscriberBufferSize)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case ev, ok := <-globalCh:
				if !ok {
					return
				}
				forwardControl(out, done, ev)
			case ev, ok := <-instCh:
				if !ok {
					continue
				}
				forwardControl(out, done, ev)
			}
		}
	}()

	cancel := func() {
		select {
		case <-done:
		default:
			close(done)
		}
		globalCancel()
		if instCancel != nil {
			instCancel()
		}
	}
	return out, cancel
}

func forwardControl(out chan<- ControlSignal, done <-chan struct{}, ev Event) {
	sig, ok := ev.Payload.(ControlSignal)
	if !ok {
		return
	}
	select {
	case out <- sig:
	case <-done:
	}
}

var (
	// ErrLeaseHeld is returned when AcquireLease finds a live lease owned
	// by a different instance.
	ErrLeaseHeld = fmt.Errorf("pubsub: lease held by another instance")
	// ErrLeaseNotHeld is returned when RefreshLease/ReleaseLease is called
	// by an instance that does not currently hold the lease.
	ErrLeaseNotHeld = fmt.Errorf("pubsub: lease not held by this instance")
)

func (b *InProcessBus) AcquireLease(ctx context.Context, runID, instanceID string, ttl time.Duration) (*models.Lease, error) {
	b.leasesMu.Lock()
	defer b.leasesMu.Unlock()

	now := time.Now()
	if existing, ok := b.leases[runID]; ok && !existing.Expired(now) && existing.InstanceID != instanceID {
		return nil, ErrLeaseHeld
	}

	lease := &models.Lease{RunID: runID, InstanceID: instanceID, ExpiresAt: now.Add(ttl)}
	b.leases[runID] = lease
	out := *lease
	return &out, nil
}

func (b *InProcessBus) RefreshLease(ctx context.Context, runID, instanceID string, ttl time.Duration) error {
	b.leasesMu.Lock()
	defer b.leasesMu.Unlock()

	now := time.Now()
	lease, ok := b.leases[runID]
	if !ok || lease.InstanceID != instanceID || lease.Expired(now) {
		return ErrLeaseNotHeld
	}
	lease.ExpiresAt = now.Add(ttl)
	return nil
}

func (b *InProcessBus) ReleaseLease(ctx context.Context, runID, instanceID string) error {
	b.leasesMu.Lock()
	defer b.leasesMu.Unlock()

	lease, ok := b.leases[runID]
	if !ok || lease.InstanceID != instanceID {
		return ErrLeaseNotHeld
	}
	delete(b.leases, runID)
	return nil
}

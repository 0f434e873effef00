package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is how many frames a subscriber may lag before the
// bus starts dropping frames for it.
const subscriberBuffer = 100

// Bus fans frames out to conversation and user subscribers. All methods
// are safe for concurrent use. The bus never logs: the log interception
// handler feeds records back into it, so logging from the emit path
// would recurse.
type Bus struct {
	mu     sync.RWMutex
	convs  map[int64][]*subscriber
	users  map[string][]*subscriber
	owners map[int64]string
	down   bool

	dropped atomic.Uint64
}

type subscriber struct {
	frames         chan Frame
	conversationID int64
	userID         string
	userScoped     bool
	closed         bool
}

// Subscription is a live attachment to the bus. Receive from Frames
// until it closes; Cancel detaches early and is safe to call more than
// once.
type Subscription struct {
	Frames <-chan Frame

	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		s.bus.removeLocked(s.sub)
	})
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		convs:  make(map[int64][]*subscriber),
		users:  make(map[string][]*subscriber),
		owners: make(map[int64]string),
	}
}

// SubscribeConversation attaches a sink for one conversation's frames.
// The channel closes when the conversation's run reaches a terminal
// frame and the supervisor calls Close, or on Cancel.
func (b *Bus) SubscribeConversation(conversationID int64) *Subscription {
	sub := &subscriber{
		frames:         make(chan Frame, subscriberBuffer),
		conversationID: conversationID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		sub.closed = true
		close(sub.frames)
	} else {
		b.convs[conversationID] = append(b.convs[conversationID], sub)
	}
	return &Subscription{Frames: sub.frames, bus: b, sub: sub}
}

// SubscribeUser attaches a sink for every frame belonging to the user:
// frames of conversations bound to them plus intercepted log records.
func (b *Bus) SubscribeUser(userID string) *Subscription {
	sub := &subscriber{
		frames:     make(chan Frame, subscriberBuffer),
		userID:     userID,
		userScoped: true,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		sub.closed = true
		close(sub.frames)
	} else {
		b.users[userID] = append(b.users[userID], sub)
	}
	return &Subscription{Frames: sub.frames, bus: b, sub: sub}
}

// Bind records which user owns a conversation so the user's streams
// receive its frames. The supervisor binds at run start.
func (b *Bus) Bind(conversationID int64, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return
	}
	b.owners[conversationID] = userID
}

// Emit delivers one event to the conversation's subscribers and, when
// the conversation is bound, to its owner's user subscribers. The
// payload is marshaled once; json.RawMessage passes through unchanged.
// Delivery never blocks: frames that do not fit a subscriber's buffer
// are dropped and counted.
func (b *Bus) Emit(conversationID int64, event string, payload any) {
	data, ok := b.marshal(payload)
	if !ok {
		return
	}
	frame := Frame{Event: event, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.down {
		return
	}
	for _, sub := range b.convs[conversationID] {
		b.sendLocked(sub, frame)
	}
	if owner, bound := b.owners[conversationID]; bound {
		for _, sub := range b.users[owner] {
			b.sendLocked(sub, frame)
		}
	}
}

// EmitUser delivers one event to the user's subscribers only. Log
// interception uses this channel so log records never mix into
// conversation streams.
func (b *Bus) EmitUser(userID string, event string, payload any) {
	data, ok := b.marshal(payload)
	if !ok {
		return
	}
	frame := Frame{Event: event, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.down {
		return
	}
	for _, sub := range b.users[userID] {
		b.sendLocked(sub, frame)
	}
}

// Close ends a conversation's streams after its terminal frame and
// forgets the user binding. User subscriptions stay open.
func (b *Bus) Close(conversationID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.convs[conversationID] {
		b.closeLocked(sub)
	}
	delete(b.convs, conversationID)
	delete(b.owners, conversationID)
}

// Shutdown closes every subscription and rejects further traffic.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return
	}
	b.down = true
	for _, subs := range b.convs {
		for _, sub := range subs {
			b.closeLocked(sub)
		}
	}
	for _, subs := range b.users {
		for _, sub := range subs {
			b.closeLocked(sub)
		}
	}
	b.convs = make(map[int64][]*subscriber)
	b.users = make(map[string][]*subscriber)
	b.owners = make(map[int64]string)
}

// Dropped reports how many frames were discarded because a subscriber
// lagged or a payload failed to marshal.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) marshal(payload any) ([]byte, bool) {
	switch v := payload.(type) {
	case nil:
		return []byte("{}"), true
	case json.RawMessage:
		return v, true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.dropped.Add(1)
		return nil, false
	}
	return data, true
}

// sendLocked requires at least the read lock, which excludes close:
// channels are only closed under the write lock, so a send can never
// hit a closed channel.
func (b *Bus) sendLocked(sub *subscriber, frame Frame) {
	select {
	case sub.frames <- frame:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bus) closeLocked(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.frames)
}

func (b *Bus) removeLocked(sub *subscriber) {
	if sub.userScoped {
		b.users[sub.userID] = dropSubscriber(b.users[sub.userID], sub)
		if len(b.users[sub.userID]) == 0 {
			delete(b.users, sub.userID)
		}
	} else {
		b.convs[sub.conversationID] = dropSubscriber(b.convs[sub.conversationID], sub)
		if len(b.convs[sub.conversationID]) == 0 {
			delete(b.convs, sub.conversationID)
		}
	}
	b.closeLocked(sub)
}

func dropSubscriber(subs []*subscriber, target *subscriber) []*subscriber {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

package eventbus

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Subscriber is one connected dashboard client. send is a buffered,
// non-blocking mailbox drained by the transport's write pump; a full
// channel means the client is too slow and the event is dropped, never
// blocking the broadcaster (§5 "Shared resources").
type Subscriber struct {
	ID   string
	send chan []byte
}

func newSubscriber(id string, bufSize int) *Subscriber {
	return &Subscriber{ID: id, send: make(chan []byte, bufSize)}
}

// Bus maintains the two in-memory mappings named in §4.7: workspaceId ->
// set<Subscriber> and subscriberId -> workspaceId. It is the single-owner
// coordinator for both; broadcast reads tolerate subscribers departing
// mid-iteration (§5).
type Bus struct {
	mu            sync.RWMutex
	byWorkspace   map[string]map[string]*Subscriber
	workspaceOf   map[string]string
	pendingByID   map[string]*Subscriber
}

func NewBus() *Bus {
	return &Bus{
		byWorkspace: make(map[string]map[string]*Subscriber),
		workspaceOf: make(map[string]string),
		pendingByID: make(map[string]*Subscriber),
	}
}

const defaultSendBuffer = 32

// Connect registers a new subscriber with no workspace binding yet. The
// application binds it to a workspace after authenticating the dashboard
// access key — out of scope here (§9 "Event bus binding"); an unbound
// subscriber simply never receives an event.
func (b *Bus) Connect(subscriberID string) *Subscriber {
	sub := newSubscriber(subscriberID, defaultSendBuffer)

	b.mu.Lock()
	b.pendingByID[subscriberID] = sub
	b.mu.Unlock()

	return sub
}

// Bind attaches a previously connected subscriber to a workspace.
func (b *Bus) Bind(subscriberID, workspaceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.pendingByID[subscriberID]
	if !ok {
		return
	}
	delete(b.pendingByID, subscriberID)

	set, ok := b.byWorkspace[workspaceID]
	if !ok {
		set = make(map[string]*Subscriber)
		b.byWorkspace[workspaceID] = set
	}
	set[subscriberID] = sub
	b.workspaceOf[subscriberID] = workspaceID
}

// Disconnect removes a subscriber from whichever set it belongs to
// (bound or still pending) and closes its mailbox.
func (b *Bus) Disconnect(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.pendingByID[subscriberID]; ok {
		close(sub.send)
		delete(b.pendingByID, subscriberID)
		return
	}

	workspaceID, ok := b.workspaceOf[subscriberID]
	if !ok {
		return
	}
	delete(b.workspaceOf, subscriberID)

	if set, ok := b.byWorkspace[workspaceID]; ok {
		if sub, ok := set[subscriberID]; ok {
			close(sub.send)
			delete(set, subscriberID)
		}
		if len(set) == 0 {
			delete(b.byWorkspace, workspaceID)
		}
	}
}

// Broadcast serializes event once and delivers it to every currently
// connected, bound subscriber of workspaceID whose send channel is ready
// (§4.7). Send errors (a full buffer) are logged and never propagate —
// the bus is best-effort and non-durable. Callers must only invoke this
// after the originating transaction has committed (I6).
func (b *Bus) Broadcast(workspaceID string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		zap.L().Error("eventbus: failed to marshal event", zap.Error(err), zap.String("workspace_id", workspaceID))
		return
	}

	b.mu.RLock()
	set := b.byWorkspace[workspaceID]
	subs := make([]*Subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.send <- data:
		default:
			zap.L().Warn("eventbus: dropping event, subscriber send buffer full",
				zap.String("workspace_id", workspaceID), zap.String("subscriber_id", sub.ID))
		}
	}
}

// SubscriberCount reports the number of currently bound subscribers of a
// workspace; used by tests and diagnostics.
func (b *Bus) SubscriberCount(workspaceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byWorkspace[workspaceID])
}

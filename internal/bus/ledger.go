package bus

// ============================================================================
// Message ledger
// ============================================================================
//
// The ledger is the broker's single source of truth for unacknowledged
// messages. It keeps:
//   messages map[MessageID]*Message  every message not yet acked or dead
//   queues   map[channel]*readyQueue pending messages ordered by (ReadyAt, Seq)
//   inFlight map[MessageID]flight    delivered messages awaiting settlement
//
// State transitions:
//   Pending  -> InFlight   PopReady + MarkInFlight
//   InFlight -> (removed)  Ack
//   InFlight -> Pending    Requeue (nack, ack timeout, lost subscriber)
//   any      -> (removed)  Remove (dead-lettered)
//
// Acked and dead messages are not retained; the journal and the DLQ channel
// hold their history.
// ============================================================================

import (
	"container/heap"
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/mxflow/pkg/types"
)

var (
	ErrDuplicateMessage = errors.New("bus: message already exists")
	ErrMessageNotFound  = errors.New("bus: message not found")
	ErrNotInFlight      = errors.New("bus: message not in flight")
	ErrNotPending       = errors.New("bus: message not pending")
)

type flight struct {
	subscription string
	tag          uint64
}

// Ledger tracks message state. It is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	messages map[types.MessageID]*types.Message
	queues   map[string]*readyQueue
	inFlight map[types.MessageID]flight
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		messages: make(map[types.MessageID]*types.Message),
		queues:   make(map[string]*readyQueue),
		inFlight: make(map[types.MessageID]flight),
	}
}

// Enqueue adds a new pending message. The caller assigns ID, Seq and ReadyAt.
func (l *Ledger) Enqueue(m *types.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.messages[m.ID]; exists {
		return ErrDuplicateMessage
	}
	m.Status = types.StatusPending
	m.Deadline = nil
	m.Subscription = ""
	l.messages[m.ID] = m
	l.queue(m.Channel).push(m)
	return nil
}

// Put inserts or replaces a message as pending. Journal replay uses it so
// that applying the same record twice is harmless.
func (l *Ledger) Put(m *types.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, exists := l.messages[m.ID]; exists {
		l.unlinkLocked(old)
	}
	m.Status = types.StatusPending
	m.Deadline = nil
	m.Subscription = ""
	l.messages[m.ID] = m
	l.queue(m.Channel).push(m)
}

// PopReady removes and returns the head of channel's queue if it is due at
// nowMs. The message stays in the ledger, still pending, until MarkInFlight.
func (l *Ledger) PopReady(channel string, nowMs int64) *types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.queues[channel]
	if !ok || q.Len() == 0 {
		return nil
	}
	if head := q.items[0]; head.ReadyAt > nowMs {
		return nil
	}
	return heap.Pop(q).(*types.Message)
}

// NextReadyAt reports when channel's earliest pending message becomes due.
func (l *Ledger) NextReadyAt(channel string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	q, ok := l.queues[channel]
	if !ok || q.Len() == 0 {
		return 0, false
	}
	return q.items[0].ReadyAt, true
}

// MarkInFlight records that a popped message was handed to a subscription.
// deadline is nil when acknowledgements never time out.
func (l *Ledger) MarkInFlight(id types.MessageID, subscription string, tag uint64, deadline *int64, nowMs int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, exists := l.messages[id]
	if !exists {
		return ErrMessageNotFound
	}
	if m.Status != types.StatusPending {
		return ErrNotPending
	}
	if q, ok := l.queues[m.Channel]; ok && q.contains(id) {
		// still queued: caller skipped PopReady
		q.remove(id)
	}
	m.Status = types.StatusInFlight
	m.Deadline = deadline
	m.Subscription = subscription
	m.UpdatedAt = nowMs
	l.inFlight[id] = flight{subscription: subscription, tag: tag}
	return nil
}

// CheckInFlight verifies that tag is the current delivery of id.
func (l *Ledger) CheckInFlight(id types.MessageID, tag uint64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkLocked(id, tag)
}

func (l *Ledger) checkLocked(id types.MessageID, tag uint64) error {
	if _, exists := l.messages[id]; !exists {
		return ErrMessageNotFound
	}
	f, ok := l.inFlight[id]
	if !ok {
		return ErrNotInFlight
	}
	if f.tag != tag {
		return ErrStaleDelivery
	}
	return nil
}

// Ack forgets an in-flight message and returns it.
func (l *Ledger) Ack(id types.MessageID, tag uint64) (*types.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkLocked(id, tag); err != nil {
		return nil, err
	}
	m := l.messages[id]
	delete(l.messages, id)
	delete(l.inFlight, id)
	m.Status = types.StatusAcked
	return m, nil
}

// Requeue moves an in-flight message back to pending, due at readyAt. When
// counted the delivery attempt is charged to the message.
func (l *Ledger) Requeue(id types.MessageID, readyAt int64, counted bool, nowMs int64) (*types.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, exists := l.messages[id]
	if !exists {
		return nil, ErrMessageNotFound
	}
	if m.Status != types.StatusInFlight {
		return nil, ErrNotInFlight
	}
	if counted {
		m.Attempt++
	}
	m.Redelivered = true
	m.Status = types.StatusPending
	m.Deadline = nil
	m.Subscription = ""
	m.ReadyAt = readyAt
	m.UpdatedAt = nowMs
	delete(l.inFlight, id)
	l.queue(m.Channel).push(m)
	return m, nil
}

// Remove drops a message in any state and returns it.
func (l *Ledger) Remove(id types.MessageID) (*types.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, exists := l.messages[id]
	if !exists {
		return nil, ErrMessageNotFound
	}
	l.unlinkLocked(m)
	return m, nil
}

func (l *Ledger) unlinkLocked(m *types.Message) {
	if q, ok := l.queues[m.Channel]; ok {
		q.remove(m.ID)
	}
	delete(l.inFlight, m.ID)
	delete(l.messages, m.ID)
}

// Expired returns in-flight messages whose ack deadline passed.
func (l *Ledger) Expired(nowMs int64) []types.MessageID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var expired []types.MessageID
	for id := range l.inFlight {
		m := l.messages[id]
		if m.Deadline != nil && *m.Deadline < nowMs {
			expired = append(expired, id)
		}
	}
	sortIDs(expired)
	return expired
}

// InFlightOf returns the messages held by one subscription.
func (l *Ledger) InFlightOf(subscription string) []types.MessageID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []types.MessageID
	for id, f := range l.inFlight {
		if f.subscription == subscription {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// Get returns a copy of a message, or nil.
func (l *Ledger) Get(id types.MessageID) *types.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.messages[id]; ok {
		return m.Clone()
	}
	return nil
}

// Depth returns the number of pending messages per channel.
func (l *Ledger) Depth() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	depth := make(map[string]int, len(l.queues))
	for name, q := range l.queues {
		if q.Len() > 0 {
			depth[name] = q.Len()
		}
	}
	return depth
}

// Stats counts messages by state.
func (l *Ledger) Stats() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]int{
		"pending":   len(l.messages) - len(l.inFlight),
		"in_flight": len(l.inFlight),
	}
}

// ============================================================================
// snapshot and restore
// ============================================================================

// Snapshot deep-copies every tracked message.
func (l *Ledger) Snapshot() types.SnapshotData {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := make(map[types.MessageID]*types.Message, len(l.messages))
	for id, m := range l.messages {
		msgs[id] = m.Clone()
	}
	return types.SnapshotData{Messages: msgs, SchemaVer: 1}
}

// Restore replaces the ledger contents and returns how many messages were
// in flight when the snapshot was taken. Every restored message comes back
// pending and marked redelivered: deliveries are not journaled, so any of
// them may have reached a consumer before the restart.
func (l *Ledger) Restore(data types.SnapshotData) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = make(map[types.MessageID]*types.Message, len(data.Messages))
	l.queues = make(map[string]*readyQueue)
	l.inFlight = make(map[types.MessageID]flight)

	inFlight := 0
	for id, m := range data.Messages {
		m = m.Clone()
		if m.Status == types.StatusInFlight {
			inFlight++
		}
		m.Redelivered = true
		m.Status = types.StatusPending
		m.Deadline = nil
		m.Subscription = ""
		l.messages[id] = m
		l.queue(m.Channel).push(m)
	}
	return inFlight
}

func (l *Ledger) queue(channel string) *readyQueue {
	q, ok := l.queues[channel]
	if !ok {
		q = newReadyQueue()
		l.queues[channel] = q
	}
	return q
}

func sortIDs(ids []types.MessageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// ============================================================================
// readyQueue: min-heap on (ReadyAt, Seq) with removal by id
// ============================================================================

type readyQueue struct {
	items []*types.Message
	index map[types.MessageID]int
}

func newReadyQueue() *readyQueue {
	return &readyQueue{index: make(map[types.MessageID]int)}
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.ReadyAt != b.ReadyAt {
		return a.ReadyAt < b.ReadyAt
	}
	return a.Seq < b.Seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i].ID] = i
	q.index[q.items[j].ID] = j
}

func (q *readyQueue) Push(x any) {
	m := x.(*types.Message)
	q.index[m.ID] = len(q.items)
	q.items = append(q.items, m)
}

func (q *readyQueue) Pop() any {
	n := len(q.items)
	m := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	delete(q.index, m.ID)
	return m
}

func (q *readyQueue) push(m *types.Message) {
	if i, ok := q.index[m.ID]; ok {
		q.items[i] = m
		heap.Fix(q, i)
		return
	}
	heap.Push(q, m)
}

func (q *readyQueue) contains(id types.MessageID) bool {
	_, ok := q.index[id]
	return ok
}

func (q *readyQueue) remove(id types.MessageID) {
	if i, ok := q.index[id]; ok {
		heap.Remove(q, i)
	}
}

// ============================================================================
// In-process message broker
// ============================================================================
//
// The broker coordinates:
//   - Ledger:   unacknowledged messages and their delivery state
//   - Journal:  write-ahead record of every publish, ack, requeue and death
//   - Snapshot: periodic dump of the ledger so the journal can be rotated
//   - Subscriptions: one goroutine each, handlers run serially per subscription
//
// Loops:
//   1. dispatch - hand due messages to subscriptions with spare prefetch
//   2. timeout  - requeue deliveries whose ack deadline passed
//   3. snapshot - write a snapshot and rotate the journal
//
// Recovery on Start:
//   1. loadSnapshot  - restore the ledger
//   2. replayJournal - apply records written after the snapshot
//   3. every recovered message is pending and flagged redelivered
//
// Every state change is journaled before it is applied. A transaction's
// records are flushed together on commit, so after a crash either all of
// its sends and settlements are replayed or none are.
// ============================================================================

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/mxflow/internal/bus/journal"
	"github.com/ChuLiYu/mxflow/internal/snapshot"
	"github.com/ChuLiYu/mxflow/pkg/types"
)

var log = slog.Default()

// Config tunes the broker. Zero values take the defaults below.
type Config struct {
	// JournalPath and SnapshotPath enable durability. Both empty means the
	// broker is memory only.
	JournalPath      string
	SnapshotPath     string
	SnapshotInterval time.Duration
	SyncOnAppend     bool
	KeepRotated      int

	// MaxRedeliveries is how many times a nacked message is redelivered
	// before it is parked on its dead-letter channel.
	MaxRedeliveries int
	RedeliveryDelay time.Duration
	// AckTimeout requeues deliveries nobody settled in time. Zero disables it.
	AckTimeout time.Duration

	DefaultPrefetch  int
	DispatchInterval time.Duration

	Observer Observer
	Now      func() time.Time
}

const (
	defaultMaxRedeliveries  = 5
	defaultPrefetch         = 1
	defaultDispatchInterval = 50 * time.Millisecond
	defaultSnapshotInterval = 30 * time.Second
)

func (c *Config) applyDefaults() {
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = defaultMaxRedeliveries
	}
	if c.DefaultPrefetch <= 0 {
		c.DefaultPrefetch = defaultPrefetch
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = defaultDispatchInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = defaultSnapshotInterval
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Stats is a point-in-time view of broker activity.
type Stats struct {
	Published     uint64         `json:"published"`
	Delivered     uint64         `json:"delivered"`
	Acked         uint64         `json:"acked"`
	Nacked        uint64         `json:"nacked"`
	DeadLettered  uint64         `json:"dead_lettered"`
	Pending       map[string]int `json:"pending"`
	InFlight      int            `json:"in_flight"`
	Subscriptions map[string]int `json:"subscriptions"`
	Uptime        string         `json:"uptime"`
}

type channelSubs struct {
	subs []*subscription
	rr   int
}

// Broker is an in-process Transport.
type Broker struct {
	mu       sync.Mutex
	cfg      Config
	ledger   *Ledger
	journal  *journal.Journal
	snapshot *snapshot.Manager

	channels map[string]*channelSubs
	subs     map[string]*subscription
	nextSeq  uint64
	nextTag  uint64
	stats    Stats

	commitHook func(txnID string) error

	ctx       context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	wake      chan struct{}
	loopWg    sync.WaitGroup
	subWg     sync.WaitGroup
	started   bool
	stopped   bool
	startTime time.Time
}

var _ Transport = (*Broker)(nil)

// NewBroker creates a broker. Call Start before use.
func NewBroker(cfg Config) (*Broker, error) {
	cfg.applyDefaults()

	b := &Broker{
		cfg:      cfg,
		ledger:   NewLedger(),
		channels: make(map[string]*channelSubs),
		subs:     make(map[string]*subscription),
		nextSeq:  1,
		stopCh:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, journal.Options{
			SyncOnAppend: cfg.SyncOnAppend,
			KeepRotated:  cfg.KeepRotated,
		})
		if err != nil {
			return nil, fmt.Errorf("bus: open journal: %w", err)
		}
		b.journal = j
	}
	if cfg.SnapshotPath != "" {
		b.snapshot = snapshot.NewManager(cfg.SnapshotPath)
	}
	return b, nil
}

// Start recovers persisted state and starts the broker loops.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrClosed
	}
	if b.started {
		return nil
	}
	b.startTime = b.cfg.Now()

	after, err := b.loadSnapshot()
	if err != nil {
		return fmt.Errorf("bus: load snapshot: %w", err)
	}
	if err := b.replayJournal(after); err != nil {
		return fmt.Errorf("bus: replay journal: %w", err)
	}
	st := b.ledger.Stats()
	recovered := st["pending"] + st["in_flight"]
	elapsed := b.cfg.Now().Sub(b.startTime)
	b.cfg.Observer.Recovered(elapsed, recovered)
	log.Info("bus recovery completed", "duration", elapsed, "messages", recovered)

	b.started = true
	b.loopWg.Add(1)
	go b.dispatchLoop()
	if b.cfg.AckTimeout > 0 {
		b.loopWg.Add(1)
		go b.timeoutLoop()
	}
	if b.journal != nil && b.snapshot != nil {
		b.loopWg.Add(1)
		go b.snapshotLoop()
	}
	b.notify()
	return nil
}

func (b *Broker) loadSnapshot() (uint64, error) {
	if b.snapshot == nil {
		return 0, nil
	}
	data, err := b.snapshot.Load()
	if err != nil {
		return 0, err
	}
	inFlight := b.ledger.Restore(data)
	if data.NextSeq > b.nextSeq {
		b.nextSeq = data.NextSeq
	}
	if b.journal != nil {
		b.journal.Resume(data.LastSeq)
	}
	log.Info("bus snapshot loaded", "messages", len(data.Messages), "in_flight", inFlight, "last_seq", data.LastSeq)
	return data.LastSeq, nil
}

// replayJournal applies records newer than the snapshot. Records of a
// transaction are held back until its COMMIT; a group cut short by a crash
// is dropped. Each record type is idempotent, so a crash between snapshot
// write and journal rotation is harmless.
func (b *Broker) replayJournal(after uint64) error {
	if b.journal == nil {
		return nil
	}

	var (
		txn      string
		buffered []journal.Event
		applied  int
		dropped  int
	)
	discard := func() {
		if len(buffered) > 0 {
			log.Warn("bus: dropping uncommitted transaction from journal", "txn", txn, "records", len(buffered))
			dropped++
		}
		txn, buffered = "", nil
	}

	err := b.journal.Replay(after, func(e journal.Event) error {
		switch {
		case e.Type == journal.EventCommit:
			if e.Txn != txn {
				discard()
				return nil
			}
			for _, be := range buffered {
				if err := b.applyRecord(be); err != nil {
					return err
				}
				applied++
			}
			txn, buffered = "", nil
		case e.Txn != "":
			if e.Txn != txn {
				discard()
				txn = e.Txn
			}
			buffered = append(buffered, e)
		default:
			discard()
			applied++
			return b.applyRecord(e)
		}
		return nil
	})
	if err != nil {
		return err
	}
	discard()
	log.Info("bus journal replayed", "after", after, "records", applied, "dropped_txns", dropped)
	return nil
}

func (b *Broker) applyRecord(e journal.Event) error {
	switch e.Type {
	case journal.EventPublish, journal.EventRequeue:
		if e.Message == nil {
			return fmt.Errorf("%w: seq=%d has no message", journal.ErrCorrupted, e.Seq)
		}
		m := e.Message.Clone()
		m.Redelivered = true
		b.ledger.Put(m)
		if m.Seq >= b.nextSeq {
			b.nextSeq = m.Seq + 1
		}
	case journal.EventAck, journal.EventDead:
		if _, err := b.ledger.Remove(e.MessageID); err != nil && !errors.Is(err, ErrMessageNotFound) {
			return err
		}
	default:
		log.Warn("bus: unknown journal record", "type", e.Type, "seq", e.Seq)
	}
	return nil
}

// Stop halts the loops and subscriptions, writes a final snapshot and
// closes the journal. Messages still in flight are redelivered after the
// next Start.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, s := range b.subs {
		s.closeLocked()
	}
	b.mu.Unlock()

	log.Info("stopping bus")
	close(b.stopCh)
	b.cancel()
	b.loopWg.Wait()
	b.subWg.Wait()

	if b.journal != nil {
		if b.snapshot != nil {
			b.mu.Lock()
			if err := b.takeSnapshotLocked(); err != nil {
				log.Error("bus: final snapshot failed", "error", err)
			}
			b.mu.Unlock()
		}
		if err := b.journal.Close(); err != nil {
			log.Error("bus: close journal failed", "error", err)
		}
	}
	log.Info("bus stopped")
}

// SetCommitHook installs a function run inside every commit before anything
// is written. A non-nil error aborts the transaction. Used for fault
// injection.
func (b *Broker) SetCommitHook(fn func(txnID string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commitHook = fn
}

// ============================================================================
// Transport
// ============================================================================

// Subscribe registers h on channel. The subscription ends when ctx is
// cancelled, Unsubscribe is called or the broker stops.
func (b *Broker) Subscribe(ctx context.Context, channel string, opts SubscribeOptions, h Handler) (Subscription, error) {
	if !validChannel(channel) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	if h == nil {
		return nil, errors.New("bus: nil handler")
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = b.cfg.DefaultPrefetch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, ErrClosed
	}

	s := &subscription{
		id:         "sub-" + uuid.NewString(),
		channel:    channel,
		exclusive:  opts.Exclusive,
		prefetch:   prefetch,
		handler:    h,
		deliveries: make(chan *Delivery, prefetch),
		done:       make(chan struct{}),
		broker:     b,
	}
	cs, ok := b.channels[channel]
	if !ok {
		cs = &channelSubs{}
		b.channels[channel] = cs
	}
	cs.subs = append(cs.subs, s)
	b.subs[s.id] = s

	b.subWg.Add(1)
	go s.run(ctx)

	log.Debug("bus subscription added", "channel", channel, "subscription", s.id, "exclusive", s.exclusive, "prefetch", prefetch)
	b.notify()
	return s, nil
}

func (b *Broker) unsubscribe(s *subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closeLocked()

	if cs, ok := b.channels[s.channel]; ok {
		for i, other := range cs.subs {
			if other == s {
				cs.subs = append(cs.subs[:i], cs.subs[i+1:]...)
				break
			}
		}
		if len(cs.subs) == 0 {
			delete(b.channels, s.channel)
		}
	}
	delete(b.subs, s.id)

	// whatever the subscriber still held goes back without charging an attempt
	now := b.nowMs()
	held := b.ledger.InFlightOf(s.id)
	if len(held) > 0 {
		p := &plan{}
		for _, id := range held {
			m := b.ledger.Get(id)
			if m == nil {
				continue
			}
			next := requeued(m, m.ReadyAt, false, now)
			p.record(journal.EventRequeue, next)
			p.then(func() error {
				_, err := b.ledger.Requeue(next.ID, next.ReadyAt, false, now)
				return err
			})
		}
		if err := b.execLocked("unsub-"+s.id, p, true); err != nil {
			log.Error("bus: requeue on unsubscribe failed", "subscription", s.id, "error", err)
		}
	}
	log.Debug("bus subscription removed", "channel", s.channel, "subscription", s.id)
	b.notify()
	return nil
}

// Send publishes one message outside any transaction.
func (b *Broker) Send(ctx context.Context, channel string, body json.RawMessage, opts SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := b.Begin()
	if err := t.Send(channel, body, opts); err != nil {
		_ = t.Abort()
		return err
	}
	return t.Commit()
}

// Ack settles a delivery successfully.
func (b *Broker) Ack(d *Delivery) error {
	t := b.Begin()
	if err := t.Ack(d); err != nil {
		_ = t.Abort()
		return err
	}
	return t.Commit()
}

// Nack settles a delivery as failed. With requeue the message is
// redelivered until MaxRedeliveries, otherwise it goes straight to the
// dead-letter channel.
func (b *Broker) Nack(d *Delivery, requeue bool) error {
	t := b.Begin()
	if err := t.Nack(d, requeue); err != nil {
		_ = t.Abort()
		return err
	}
	return t.Commit()
}

// Begin starts a transaction.
func (b *Broker) Begin() Txn {
	return &brokerTxn{b: b, id: "txn-" + uuid.NewString(), settled: make(map[uint64]bool)}
}

// Stats returns counters and queue depths.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stats
	st.Pending = b.ledger.Depth()
	st.InFlight = b.ledger.Stats()["in_flight"]
	st.Subscriptions = make(map[string]int, len(b.channels))
	for name, cs := range b.channels {
		st.Subscriptions[name] = len(cs.subs)
	}
	if !b.startTime.IsZero() {
		st.Uptime = b.cfg.Now().Sub(b.startTime).Round(time.Second).String()
	}
	return st
}

// Message returns a copy of an unacknowledged message, or nil.
func (b *Broker) Message(id types.MessageID) *types.Message {
	return b.ledger.Get(id)
}

// ============================================================================
// loops
// ============================================================================

func (b *Broker) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) dispatchLoop() {
	defer b.loopWg.Done()
	ticker := time.NewTicker(b.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			log.Debug("bus dispatch loop stopped")
			return
		case <-ticker.C:
		case <-b.wake:
		}
		b.mu.Lock()
		if !b.stopped {
			b.dispatchLocked()
		}
		b.mu.Unlock()
	}
}

func (b *Broker) dispatchLocked() {
	now := b.nowMs()
	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cs := b.channels[name]
		for {
			s := cs.pick()
			if s == nil {
				break
			}
			m := b.ledger.PopReady(name, now)
			if m == nil {
				break
			}
			b.nextTag++
			tag := b.nextTag
			var deadline *int64
			if b.cfg.AckTimeout > 0 {
				d := now + b.cfg.AckTimeout.Milliseconds()
				deadline = &d
			}
			if err := b.ledger.MarkInFlight(m.ID, s.id, tag, deadline, now); err != nil {
				log.Error("bus: mark in flight failed", "message", m.ID, "error", err)
				continue
			}
			d := &Delivery{
				MessageID:   m.ID,
				Channel:     m.Channel,
				Header:      deliveryHeader(m, s.id),
				Body:        append(json.RawMessage(nil), m.Body...),
				Redelivered: m.Redelivered,
				Attempt:     m.Attempt,
				tag:         tag,
				sub:         s,
			}
			select {
			case s.deliveries <- d:
				s.inflight++
				b.stats.Delivered++
				b.cfg.Observer.Delivered(name)
			default:
				// prefetch accounting says this cannot happen
				log.Error("bus: subscription buffer full", "subscription", s.id)
				b.returnUndelivered(m, now)
			}
		}
	}
}

func (b *Broker) timeoutLoop() {
	defer b.loopWg.Done()
	interval := b.cfg.AckTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			log.Debug("bus timeout loop stopped")
			return
		case <-ticker.C:
			b.mu.Lock()
			b.expireLocked()
			b.mu.Unlock()
		}
	}
}

func (b *Broker) expireLocked() {
	now := b.nowMs()
	for _, id := range b.ledger.Expired(now) {
		m := b.ledger.Get(id)
		if m == nil {
			continue
		}
		log.Warn("bus: ack timeout, requeueing", "message", id, "channel", m.Channel, "subscription", m.Subscription)
		p := &plan{}
		b.planFailure(p, m, true, "ack timeout", now)
		if s, ok := b.subs[m.Subscription]; ok {
			p.then(func() error { s.release(); return nil })
		}
		if err := b.execLocked("timeout-"+string(id), p, true); err != nil {
			log.Error("bus: requeue after timeout failed", "message", id, "error", err)
		}
	}
	b.notify()
}

func (b *Broker) snapshotLoop() {
	defer b.loopWg.Done()
	ticker := time.NewTicker(b.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			log.Debug("bus snapshot loop stopped")
			return
		case <-ticker.C:
			b.mu.Lock()
			if err := b.takeSnapshotLocked(); err != nil {
				log.Error("bus: snapshot failed", "error", err)
			}
			b.mu.Unlock()
		}
	}
}

// TakeSnapshot writes a snapshot and rotates the journal now.
func (b *Broker) TakeSnapshot() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeSnapshotLocked()
}

func (b *Broker) takeSnapshotLocked() error {
	if b.journal == nil || b.snapshot == nil {
		return nil
	}
	start := time.Now()
	data := b.ledger.Snapshot()
	data.LastSeq = b.journal.LastSeq()
	data.NextSeq = b.nextSeq
	if err := b.snapshot.Write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := b.journal.Rotate(); err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}
	log.Debug("bus snapshot taken", "duration", time.Since(start), "messages", len(data.Messages), "last_seq", data.LastSeq)
	return nil
}

// ============================================================================
// helpers
// ============================================================================

func (b *Broker) nowMs() int64 { return b.cfg.Now().UnixMilli() }

// newMessage builds a pending message. Caller holds b.mu.
func (b *Broker) newMessage(channel string, body json.RawMessage, header map[string]string, delay time.Duration, now int64) *types.Message {
	id := uuid.Must(uuid.NewV7())
	m := &types.Message{
		ID:        types.MessageID(id.String()),
		Seq:       b.nextSeq,
		Channel:   channel,
		Body:      append(json.RawMessage(nil), body...),
		Status:    types.StatusPending,
		ReadyAt:   now + delay.Milliseconds(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.nextSeq++
	if len(header) > 0 {
		m.Header = make(map[string]string, len(header))
		for k, v := range header {
			m.Header[k] = v
		}
	}
	return m
}

// requeued predicts the state Ledger.Requeue produces so it can be journaled
// first.
func requeued(m *types.Message, readyAt int64, counted bool, now int64) *types.Message {
	next := m.Clone()
	if counted {
		next.Attempt++
	}
	next.Redelivered = true
	next.Status = types.StatusPending
	next.Deadline = nil
	next.Subscription = ""
	next.ReadyAt = readyAt
	next.UpdatedAt = now
	return next
}

func isDeadLetterChannel(channel string) bool {
	return strings.HasPrefix(channel, DeadLetterPrefix)
}

// ============================================================================
// plans: journal first, then apply
// ============================================================================

// plan collects the journal records of one state change and the ledger
// steps that apply it.
type plan struct {
	records []journal.Op
	steps   []func() error
	after   []func()
}

func (p *plan) record(typ journal.EventType, m *types.Message) {
	p.records = append(p.records, journal.Op{Type: typ, Message: m})
}

func (p *plan) then(step func() error) { p.steps = append(p.steps, step) }

// notify runs after every step succeeded; used for counters.
func (p *plan) notify(fn func()) { p.after = append(p.after, fn) }

// execLocked journals p atomically and applies it. Nothing is applied when
// the journal write fails, unless bestEffort: requeues of in-flight messages
// are still applied in memory since deliveries are never durable anyway.
func (b *Broker) execLocked(txnID string, p *plan, bestEffort bool) error {
	if b.journal != nil && len(p.records) > 0 {
		if _, err := b.journal.AppendTxn(txnID, p.records); err != nil {
			if !bestEffort {
				return fmt.Errorf("bus: journal txn %s: %w", txnID, err)
			}
			log.Error("bus: journal write failed, applying in memory", "txn", txnID, "error", err)
		}
	}
	var firstErr error
	for _, step := range p.steps {
		if err := step(); err != nil {
			log.Error("bus: apply step failed", "txn", txnID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, fn := range p.after {
		fn()
	}
	return firstErr
}

func (b *Broker) planPublish(p *plan, channel string, body json.RawMessage, header map[string]string, delay time.Duration, now int64) *types.Message {
	m := b.newMessage(channel, body, header, delay, now)
	p.record(journal.EventPublish, m)
	p.then(func() error { return b.ledger.Enqueue(m.Clone()) })
	p.notify(func() {
		b.stats.Published++
		b.cfg.Observer.Published(channel)
	})
	return m
}

func (b *Broker) planAck(p *plan, m *types.Message, tag uint64) {
	p.record(journal.EventAck, m)
	p.then(func() error {
		_, err := b.ledger.Ack(m.ID, tag)
		return err
	})
	p.notify(func() {
		b.stats.Acked++
		b.cfg.Observer.Acked(m.Channel)
	})
}

// returnUndelivered puts a message that was marked in flight but never
// handed to a subscriber back on its channel.
func (b *Broker) returnUndelivered(m *types.Message, now int64) {
	if _, err := b.ledger.Requeue(m.ID, m.ReadyAt, false, now); err != nil {
		log.Error("bus: requeue undelivered message failed", "message", m.ID, "error", err)
	}
}

// planFailure charges a failed delivery to m and requeues it, or buries it
// once MaxRedeliveries is exceeded. m must be in flight.
func (b *Broker) planFailure(p *plan, m *types.Message, counted bool, reason string, now int64) {
	next := requeued(m, now+b.cfg.RedeliveryDelay.Milliseconds(), counted, now)
	if next.Attempt > b.cfg.MaxRedeliveries && !isDeadLetterChannel(m.Channel) {
		b.planBury(p, m, fmt.Sprintf("%s after %d redeliveries", reason, m.Attempt), now)
		return
	}
	p.record(journal.EventRequeue, next)
	p.then(func() error {
		_, err := b.ledger.Requeue(m.ID, next.ReadyAt, counted, now)
		return err
	})
}

// planBury moves m to dlq.<channel>, recording why.
func (b *Broker) planBury(p *plan, m *types.Message, reason string, now int64) {
	header := make(map[string]string, len(m.Header)+3)
	for k, v := range m.Header {
		header[k] = v
	}
	header[types.HeaderOriginalChannel] = m.Channel
	header[types.HeaderDeathReason] = reason
	header[types.HeaderOriginalMessageID] = string(m.ID)

	p.record(journal.EventDead, m)
	p.then(func() error {
		_, err := b.ledger.Remove(m.ID)
		return err
	})
	b.planPublish(p, DeadLetterPrefix+m.Channel, m.Body, header, 0, now)
	p.notify(func() {
		b.stats.DeadLettered++
		b.cfg.Observer.DeadLettered(m.Channel)
		log.Warn("bus: message dead-lettered", "message", m.ID, "channel", m.Channel, "reason", reason)
	})
}

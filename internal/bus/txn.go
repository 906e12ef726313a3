package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

type pendingSend struct {
	channel string
	body    json.RawMessage
	opts    SendOptions
}

type settlement struct {
	d       *Delivery
	ack     bool
	requeue bool
}

// brokerTxn buffers sends and settlements until Commit. Nothing reaches the
// ledger or the journal before that.
type brokerTxn struct {
	mu      sync.Mutex
	b       *Broker
	id      string
	sends   []pendingSend
	settles []settlement
	settled map[uint64]bool
	done    bool
}

func (t *brokerTxn) ID() string { return t.id }

func (t *brokerTxn) Send(channel string, body json.RawMessage, opts SendOptions) error {
	if !validChannel(channel) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	body, err := Marshal(body)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnFinished
	}
	t.sends = append(t.sends, pendingSend{
		channel: channel,
		body:    append(json.RawMessage(nil), body...),
		opts:    opts,
	})
	return nil
}

func (t *brokerTxn) Ack(d *Delivery) error { return t.settle(d, true, false) }

func (t *brokerTxn) Nack(d *Delivery, requeue bool) error { return t.settle(d, false, requeue) }

func (t *brokerTxn) settle(d *Delivery, ack, requeue bool) error {
	if d == nil || d.sub == nil || d.sub.broker != t.b {
		return ErrUnknownDelivery
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnFinished
	}
	if t.settled[d.tag] {
		return ErrAlreadySettled
	}
	if err := t.b.ledger.CheckInFlight(d.MessageID, d.tag); err != nil {
		return settleError(d, err)
	}
	t.settled[d.tag] = true
	t.settles = append(t.settles, settlement{d: d, ack: ack, requeue: requeue})
	return nil
}

// Commit applies every buffered operation as one journal group.
func (t *brokerTxn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnFinished
	}
	t.done = true

	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrClosed
	}

	// a delivery may have timed out or lost its subscriber since settle
	for _, s := range t.settles {
		if err := b.ledger.CheckInFlight(s.d.MessageID, s.d.tag); err != nil {
			b.abortLocked(t.id, t.settles)
			return settleError(s.d, err)
		}
	}

	if b.commitHook != nil {
		if err := b.commitHook(t.id); err != nil {
			b.abortLocked(t.id, t.settles)
			b.notify()
			return fmt.Errorf("bus: commit %s: %w", t.id, err)
		}
	}

	now := b.nowMs()
	p := &plan{}
	for _, s := range t.sends {
		b.planPublish(p, s.channel, s.body, s.opts.Header, s.opts.Delay, now)
	}
	for _, s := range t.settles {
		m := b.ledger.Get(s.d.MessageID)
		switch {
		case s.ack:
			b.planAck(p, m, s.d.tag)
		case s.requeue:
			b.planFailure(p, m, true, "nacked", now)
		default:
			b.planBury(p, m, "rejected", now)
		}
		if !s.ack {
			channel, requeue := m.Channel, s.requeue
			p.notify(func() {
				b.stats.Nacked++
				b.cfg.Observer.Nacked(channel, requeue)
			})
		}
		sub := s.d.sub
		p.then(func() error { sub.release(); return nil })
	}

	if err := b.execLocked(t.id, p, false); err != nil {
		b.abortLocked(t.id, t.settles)
		b.notify()
		return err
	}
	b.notify()
	return nil
}

// Abort drops the buffered sends. Deliveries settled in the transaction are
// requeued and the attempt is charged.
func (t *brokerTxn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnFinished
	}
	t.done = true
	if len(t.settles) == 0 {
		return nil
	}

	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.abortLocked(t.id, t.settles)
	b.notify()
	return nil
}

// abortLocked requeues the settled deliveries that are still in flight under
// the same tag.
func (b *Broker) abortLocked(txnID string, settles []settlement) {
	now := b.nowMs()
	p := &plan{}
	for _, s := range settles {
		if b.ledger.CheckInFlight(s.d.MessageID, s.d.tag) != nil {
			continue
		}
		m := b.ledger.Get(s.d.MessageID)
		b.planFailure(p, m, true, "transaction aborted", now)
		sub := s.d.sub
		p.then(func() error { sub.release(); return nil })
	}
	if len(p.steps) == 0 {
		return
	}
	log.Debug("bus transaction aborted", "txn", txnID)
	if err := b.execLocked("abort-"+txnID, p, true); err != nil {
		log.Error("bus: requeue after abort failed", "txn", txnID, "error", err)
	}
}

func settleError(d *Delivery, err error) error {
	switch {
	case errors.Is(err, ErrMessageNotFound):
		return fmt.Errorf("%w: %s", ErrAlreadySettled, d.MessageID)
	case errors.Is(err, ErrNotInFlight), errors.Is(err, ErrStaleDelivery):
		return fmt.Errorf("%w: %s", ErrStaleDelivery, d.MessageID)
	default:
		return err
	}
}

package bus

import (
	"context"
	"errors"
)

// subscription is one consumer of a channel. Its mutable fields are guarded
// by broker.mu; handlers run on the subscription's own goroutine, one at a
// time.
type subscription struct {
	id         string
	channel    string
	exclusive  bool
	prefetch   int
	handler    Handler
	deliveries chan *Delivery
	done       chan struct{}
	broker     *Broker

	inflight int
	closed   bool
}

var _ Subscription = (*subscription)(nil)

func (s *subscription) ID() string      { return s.id }
func (s *subscription) Channel() string { return s.channel }

// Unsubscribe stops delivery. Messages the subscription still holds are
// requeued without charging an attempt.
func (s *subscription) Unsubscribe() error { return s.broker.unsubscribe(s) }

func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *subscription) release() {
	if s.inflight > 0 {
		s.inflight--
	}
}

func (s *subscription) run(ctx context.Context) {
	defer s.broker.subWg.Done()

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.broker.ctx, cancel)
	defer stop()

	for {
		select {
		case <-s.done:
			return
		case <-hctx.Done():
			if ctx.Err() != nil {
				if err := s.Unsubscribe(); err != nil {
					log.Error("bus: unsubscribe failed", "subscription", s.id, "error", err)
				}
			}
			return
		case d := <-s.deliveries:
			select {
			case <-s.done:
				return
			default:
			}
			s.invoke(hctx, d)
		}
	}
}

func (s *subscription) invoke(ctx context.Context, d *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("bus: handler panic", "channel", s.channel, "subscription", s.id, "message", d.MessageID, "panic", r)
			if err := s.broker.Nack(d, true); err != nil && !errors.Is(err, ErrAlreadySettled) && !errors.Is(err, ErrStaleDelivery) {
				log.Error("bus: nack after panic failed", "message", d.MessageID, "error", err)
			}
		}
	}()
	s.handler(ctx, d)
}

// pick chooses the subscription for the next message on a channel, or nil
// when nobody has spare prefetch. The oldest exclusive subscriber takes
// everything while it lives; the others wait as standbys.
func (cs *channelSubs) pick() *subscription {
	for _, s := range cs.subs {
		if s.exclusive && !s.closed {
			if s.inflight < s.prefetch {
				return s
			}
			return nil
		}
	}
	n := len(cs.subs)
	for i := 0; i < n; i++ {
		s := cs.subs[(cs.rr+i)%n]
		if !s.closed && s.inflight < s.prefetch {
			cs.rr = (cs.rr + i + 1) % n
			return s
		}
	}
	return nil
}

// Package bus is the message transport services talk to: named channels,
// acknowledged deliveries, transactions, delayed sends and exclusive
// subscriptions. Broker is the in-process, journal-backed implementation.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/ChuLiYu/mxflow/pkg/types"
)

var (
	ErrClosed          = errors.New("bus: transport closed")
	ErrInvalidChannel  = errors.New("bus: invalid channel name")
	ErrInvalidBody     = errors.New("bus: message body is not valid JSON")
	ErrAlreadySettled  = errors.New("bus: delivery already acked or nacked")
	ErrStaleDelivery   = errors.New("bus: delivery is no longer in flight")
	ErrTxnFinished     = errors.New("bus: transaction already committed or aborted")
	ErrUnknownDelivery = errors.New("bus: delivery does not belong to this transport")
)

// DeadLetterPrefix is prepended to a channel name to form its dead-letter
// channel.
const DeadLetterPrefix = "dlq."

// Handler consumes one delivery. It must settle it exactly once through the
// transport (Ack, Nack, or a transaction that does either).
type Handler func(ctx context.Context, d *Delivery)

// Delivery is one message handed to one subscription.
type Delivery struct {
	MessageID   types.MessageID
	Channel     string
	Header      map[string]string
	Body        json.RawMessage
	Redelivered bool
	Attempt     int

	tag uint64
	sub *subscription
}

// Decode unmarshals the body into v.
func (d *Delivery) Decode(v any) error {
	return json.Unmarshal(d.Body, v)
}

// SendOptions modify a single send.
type SendOptions struct {
	Header map[string]string
	// Delay holds the message back before it becomes deliverable.
	Delay time.Duration
}

// SubscribeOptions modify a subscription.
type SubscribeOptions struct {
	// Exclusive routes every message of the channel to one subscriber at a
	// time. Later exclusive subscribers are standbys.
	Exclusive bool
	// Prefetch bounds unsettled deliveries held by the subscriber.
	Prefetch int
}

// Subscription is a handle returned by Subscribe.
type Subscription interface {
	ID() string
	Channel() string
	Unsubscribe() error
}

// Transport is the bus surface used by the service runtime.
type Transport interface {
	Subscribe(ctx context.Context, channel string, opts SubscribeOptions, h Handler) (Subscription, error)
	Send(ctx context.Context, channel string, body json.RawMessage, opts SendOptions) error
	Ack(d *Delivery) error
	Nack(d *Delivery, requeue bool) error
	Begin() Txn
}

// Txn groups sends and settlements so they take effect together on Commit
// or not at all.
type Txn interface {
	ID() string
	Send(channel string, body json.RawMessage, opts SendOptions) error
	Ack(d *Delivery) error
	Nack(d *Delivery, requeue bool) error
	Commit() error
	// Abort discards the sends. Deliveries settled in the transaction are
	// redelivered.
	Abort() error
}

// Observer receives bus events, typically a metrics collector.
type Observer interface {
	Published(channel string)
	Delivered(channel string)
	Acked(channel string)
	Nacked(channel string, requeue bool)
	DeadLettered(channel string)
	Recovered(d time.Duration, messages int)
}

type nopObserver struct{}

func (nopObserver) Published(string) {}
func (nopObserver) Delivered(string) {}
func (nopObserver) Acked(string) {}
func (nopObserver) Nacked(string, bool) {}
func (nopObserver) DeadLettered(string) {}
func (nopObserver) Recovered(time.Duration, int) {}

// Marshal encodes v as a message body.
func Marshal(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, ErrInvalidBody
		}
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrInvalidBody, err)
	}
	return b, nil
}

func validChannel(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

func deliveryHeader(m *types.Message, subID string) map[string]string {
	h := make(map[string]string, len(m.Header)+3)
	for k, v := range m.Header {
		h[k] = v
	}
	h[types.HeaderSubscription] = subID
	h[types.HeaderMessageID] = string(m.ID)
	h[types.HeaderRedelivered] = strconv.FormatBool(m.Redelivered)
	return h
}

// Package bus implements the per-recipient mailbox message bus described
// in SPEC_FULL.md §4.4: blocking/timed/non-blocking receive, broadcast,
// subscriptions and request/response correlation.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIMONITOR/internal/concurrency"
)

// DeliveryStatus is a message's delivery lifecycle state.
type DeliveryStatus string

const (
	StatusPending      DeliveryStatus = "pending"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusAcknowledged DeliveryStatus = "acknowledged"
	StatusFailed       DeliveryStatus = "failed"
	StatusTimeout      DeliveryStatus = "timeout"
)

// AnyType is the subscription type-filter wildcard.
const AnyType = -1

// Message is a single unit of bus traffic.
type Message struct {
	ID               string
	Type             int
	Priority         int
	SenderID         string
	SenderName       string
	ReceiverID       string // "" means broadcast
	Payload          []byte
	CorrelationID    string
	ExpectsResponse  bool
	Status           DeliveryStatus
	CreatedAt        time.Time
	DeliveredAt      time.Time
}

func newMessage(msgType int, priority int, senderID, senderName, receiverID string, payload []byte) *Message {
	return &Message{
		ID:         uuid.New().String(),
		Type:       msgType,
		Priority:   priority,
		SenderID:   senderID,
		SenderName: senderName,
		ReceiverID: receiverID,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
}

// NewMessage builds a new message ready for Send/Broadcast/Request.
func NewMessage(msgType, priority int, senderID, senderName, receiverID string, payload []byte) *Message {
	return newMessage(msgType, priority, senderID, senderName, receiverID, payload)
}

// CreateResponse builds a response message correlated to req, addressed
// back to req's sender.
func CreateResponse(req *Message, senderID, senderName string, payload []byte) *Message {
	resp := newMessage(req.Type, req.Priority, senderID, senderName, req.SenderID, payload)
	resp.CorrelationID = req.ID
	return resp
}

// Handler is a subscription callback. It runs synchronously inside the
// bus lock: it must not mutate or free msg, and must not call back into
// Send/Receive/Subscribe on the same bus.
type Handler func(msg *Message, ctx interface{})

type subscription struct {
	agentID string
	typ     int // AnyType matches every type
	handler Handler
	ctx     interface{}
}

type mailbox struct {
	messages []*Message
}

// MirrorFunc is invoked after a message is enqueued, outside the bus
// lock, for the optional NATS observability mirror (SPEC_FULL.md §4.4).
// It never affects delivery and is never awaited by Send/Broadcast.
type MirrorFunc func(event string, msg *Message)

// Bus is the mailbox-based message bus.
type Bus struct {
	cond          *concurrency.Cond
	mailboxes     map[string]*mailbox
	subscriptions map[string][]*subscription // agentID -> subs
	shutdown      concurrency.Flag
	mirror        MirrorFunc
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		cond:          concurrency.NewCond(),
		mailboxes:     make(map[string]*mailbox),
		subscriptions: make(map[string][]*subscription),
	}
}

// SetMirrorFunc installs a best-effort mirror hook.
func (b *Bus) SetMirrorFunc(fn MirrorFunc) {
	b.cond.L.Lock()
	b.mirror = fn
	b.cond.L.Unlock()
}

func (b *Bus) mailboxFor(agentID string) *mailbox {
	mb, ok := b.mailboxes[agentID]
	if !ok {
		mb = &mailbox{}
		b.mailboxes[agentID] = mb
	}
	return mb
}

func (b *Bus) runMirror(event string, msg *Message) {
	if b.mirror != nil {
		go func(fn MirrorFunc) {
			defer func() { recover() }()
			fn(event, msg)
		}(b.mirror)
	}
}

// Send takes ownership of msg, requires a non-empty ReceiverID, enqueues
// it to the receiver's mailbox (creating it lazily), marks it delivered,
// runs matching subscription handlers, then wakes blocked receivers.
func (b *Bus) Send(msg *Message) bool {
	if msg == nil || msg.ReceiverID == "" {
		return false
	}
	b.cond.L.Lock()
	if b.shutdown.IsSet() {
		b.cond.L.Unlock()
		return false
	}
	mb := b.mailboxFor(msg.ReceiverID)
	msg.Status = StatusDelivered
	msg.DeliveredAt = time.Now()
	mb.messages = append(mb.messages, msg)

	for _, sub := range b.subscriptions[msg.ReceiverID] {
		if sub.typ == AnyType || sub.typ == msg.Type {
			sub.handler(msg, sub.ctx)
		}
	}
	b.cond.Broadcast()
	b.cond.L.Unlock()
	b.runMirror("send", msg)
	return true
}

// Broadcast clones msg once per mailbox whose id differs from the
// sender, enqueues each clone, then the original is discarded (it is
// never itself delivered to anyone).
func (b *Bus) Broadcast(msg *Message) int {
	if msg == nil {
		return 0
	}
	b.cond.L.Lock()
	if b.shutdown.IsSet() {
		b.cond.L.Unlock()
		return 0
	}
	delivered := 0
	for agentID := range b.mailboxes {
		if agentID == msg.SenderID {
			continue
		}
		clone := newMessage(msg.Type, msg.Priority, msg.SenderID, msg.SenderName, agentID, msg.Payload)
		clone.Status = StatusDelivered
		clone.DeliveredAt = time.Now()
		mb := b.mailboxFor(agentID)
		mb.messages = append(mb.messages, clone)
		for _, sub := range b.subscriptions[agentID] {
			if sub.typ == AnyType || sub.typ == clone.Type {
				sub.handler(clone, sub.ctx)
			}
		}
		delivered++
	}
	b.cond.Broadcast()
	b.cond.L.Unlock()
	b.runMirror("broadcast", msg)
	return delivered
}

// Receive blocks until agentID's mailbox is non-empty or the bus shuts
// down, in which case it returns (nil, false).
func (b *Bus) Receive(agentID string) (*Message, bool) {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	for {
		if mb, ok := b.mailboxes[agentID]; ok && len(mb.messages) > 0 {
			msg := mb.messages[0]
			mb.messages = mb.messages[1:]
			return msg, true
		}
		if b.shutdown.IsSet() {
			return nil, false
		}
		b.cond.Wait()
	}
}

// ReceiveTimeout waits up to d for a message, returning (nil, false) on
// timeout or shutdown.
func (b *Bus) ReceiveTimeout(agentID string, d time.Duration) (*Message, bool) {
	deadline := time.Now().Add(d)
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	for {
		if mb, ok := b.mailboxes[agentID]; ok && len(mb.messages) > 0 {
			msg := mb.messages[0]
			mb.messages = mb.messages[1:]
			return msg, true
		}
		if b.shutdown.IsSet() {
			return nil, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		b.cond.WaitTimeout(remaining)
	}
}

// TryReceive never blocks and never creates a mailbox that doesn't
// already exist.
func (b *Bus) TryReceive(agentID string) (*Message, bool) {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	mb, ok := b.mailboxes[agentID]
	if !ok || len(mb.messages) == 0 {
		return nil, false
	}
	msg := mb.messages[0]
	mb.messages = mb.messages[1:]
	return msg, true
}

// Request sends msg with ExpectsResponse set and correlation ID equal to
// msg.ID, then waits up to timeout for a response bearing that
// correlation ID, polling the sender's own mailbox in 50ms slices.
// Unrelated messages that arrive meanwhile are re-enqueued to the
// sender's own mailbox (the source's documented, suspect behavior —
// preserved verbatim per SPEC_FULL.md §9).
func (b *Bus) Request(msg *Message, timeout time.Duration) (*Message, bool) {
	if msg == nil || msg.SenderID == "" || msg.ReceiverID == "" {
		return nil, false
	}
	msg.ExpectsResponse = true
	correlationID := msg.ID
	if !b.Send(msg) {
		return nil, false
	}

	const slice = 50 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		wait := slice
		if remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			break
		}
		resp, ok := b.ReceiveTimeout(msg.SenderID, wait)
		if !ok {
			continue
		}
		if resp.CorrelationID == correlationID {
			return resp, true
		}
		// Not our response: put it back on our own mailbox.
		b.cond.L.Lock()
		mb := b.mailboxFor(msg.SenderID)
		mb.messages = append(mb.messages, resp)
		b.cond.Broadcast()
		b.cond.L.Unlock()
	}
	return nil, false
}

// Subscribe replaces any existing (agentID, type) subscription in place,
// otherwise appends.
func (b *Bus) Subscribe(agentID string, typ int, handler Handler, ctx interface{}) {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	subs := b.subscriptions[agentID]
	for _, s := range subs {
		if s.typ == typ {
			s.handler = handler
			s.ctx = ctx
			return
		}
	}
	b.subscriptions[agentID] = append(subs, &subscription{
		agentID: agentID,
		typ:     typ,
		handler: handler,
		ctx:     ctx,
	})
}

// Unsubscribe removes every subscription for agentID.
func (b *Bus) Unsubscribe(agentID string) {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	delete(b.subscriptions, agentID)
}

// Shutdown wakes every blocked receiver; they return (nil, false).
func (b *Bus) Shutdown() {
	b.cond.L.Lock()
	b.shutdown.Set(true)
	b.cond.Broadcast()
	b.cond.L.Unlock()
}

// Free drains every mailbox and subscription. Call after Shutdown.
func (b *Bus) Free() {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	b.mailboxes = make(map[string]*mailbox)
	b.subscriptions = make(map[string][]*subscription)
}

// MailboxLen reports the current queue length for agentID (test/
// introspection helper; not part of the blocking contract).
func (b *Bus) MailboxLen(agentID string) int {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	mb, ok := b.mailboxes[agentID]
	if !ok {
		return 0
	}
	return len(mb.messages)
}

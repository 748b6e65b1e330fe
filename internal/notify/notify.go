// Package notify delivers user-facing notifications after ledger
// transitions commit.
//
// Delivery is a side effect: a failed notification is logged and counted,
// never surfaced to the operation that triggered it.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event is a notification type.
type Event string

const (
	EventMintCreated         Event = "mint.created"
	EventMintProofSubmitted  Event = "mint.proof_submitted"
	EventMintConfirmed       Event = "mint.confirmed"
	EventMintRejected        Event = "mint.rejected"
	EventMintExpired         Event = "mint.expired"
	EventBurnCreated         Event = "burn.created"
	EventBurnFiatSent        Event = "burn.fiat_sent"
	EventBurnConfirmed       Event = "burn.confirmed"
	EventBurnRejected        Event = "burn.rejected"
	EventEscrowRefunded      Event = "escrow.refunded"
	EventDisputeOpened       Event = "dispute.opened"
	EventDisputeResolved     Event = "dispute.resolved"
	EventAgentDeposit        Event = "agent.deposit_confirmed"
	EventAgentActivated      Event = "agent.activated"
	EventAgentSuspended      Event = "agent.suspended"
	EventWithdrawalRequested Event = "withdrawal.requested"
	EventWithdrawalApproved  Event = "withdrawal.approved"
	EventWithdrawalPaid      Event = "withdrawal.paid"
	EventWithdrawalRejected  Event = "withdrawal.rejected"
	EventWalletFrozen        Event = "wallet.frozen"
	EventWalletUnfrozen      Event = "wallet.unfrozen"
	EventTransferReceived    Event = "transfer.received"
)

// Notification is the payload handed to every sink.
type Notification struct {
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Message is a notification addressed to one user.
type Message struct {
	UserID       string       `json:"userId"`
	Event        Event        `json:"event"`
	Notification Notification `json:"notification"`
	SentAt       time.Time    `json:"sentAt"`
}

// Dispatcher delivers a notification to a user.
type Dispatcher interface {
	Deliver(ctx context.Context, userID string, event Event, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

// Deliver implements Dispatcher.
func (Nop) Deliver(context.Context, string, Event, Notification) error { return nil }

// Multi fans a notification out to several sinks and joins their errors.
type Multi []Dispatcher

// Deliver implements Dispatcher.
func (m Multi) Deliver(ctx context.Context, userID string, event Event, n Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Deliver(ctx, userID, event, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps delivered messages in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

// Deliver implements Dispatcher.
func (r *Recorder) Deliver(_ context.Context, userID string, event Event, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{UserID: userID, Event: event, Notification: n, SentAt: time.Now()})
	return nil
}

// Messages returns a copy of everything delivered so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Events returns the delivered event types addressed to userID, in order.
func (r *Recorder) Events(userID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, m := range r.msgs {
		if m.UserID == userID {
			out = append(out, m.Event)
		}
	}
	return out
}

// Package events delivers committed pool events to the outside world:
// WebSocket clients, a NATS JetStream stream, or both through a Fanout.
// Delivery is best-effort and never blocks the pool.
package events

import (
	"time"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/model"
)

// Publisher receives committed events. Publish must not block.
type Publisher interface {
	Publish(e model.Event)
}

// Message is the JSON form of an event sent to subscribers. Amounts are
// decimal wei strings with an ether rendering alongside.
type Message struct {
	Type         string    `json:"type"`
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Counterparty string    `json:"counterparty,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	AmountEther  string    `json:"amount_ether,omitempty"`
	Fee          string    `json:"fee,omitempty"`
	UnitIndex    *uint64   `json:"unit_index,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewMessage renders e for subscribers.
func NewMessage(e model.Event) Message {
	m := Message{
		Type:      string(e.Kind),
		ID:        e.ID,
		Account:   e.Account.Hex(),
		UnitIndex: e.UnitIndex,
		Detail:    e.Detail,
		Timestamp: e.Timestamp,
	}
	if e.Counterparty != ([20]byte{}) {
		m.Counterparty = e.Counterparty.Hex()
	}
	if e.Amount != nil {
		m.Amount = e.Amount.Dec()
		m.AmountEther = amount.FormatEther(e.Amount)
	}
	if e.Fee != nil {
		m.Fee = e.Fee.Dec()
	}
	return m
}

// Fanout hands each event to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(e model.Event) {
	for _, p := range f {
		p.Publish(e)
	}
}

package lifecycle

import (
	"slices"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

type Event string

const (
	EventMatchAttemptStarted Event = "matchAttemptStarted"
	EventMatchFound          Event = "matchFound"
	EventMatchNotFound       Event = "matchNotFound"
	EventCancelRequested     Event = "cancelRequested"
	EventTTLExpired          Event = "ttlExpired"
	EventSettlementConfirmed Event = "settlementConfirmed"
	EventSettlementFailed    Event = "settlementFailed"
	EventPayloadRejected     Event = "payloadRejected"
)

type edge struct {
	from  order.Status
	event Event
}

// Table maps (status, event) to the statuses the event may lead to.
type Table map[edge][]order.Status

// DefaultTable is the dark pool order lifecycle.
//
//	pending  --matchAttemptStarted--> matching
//	matching --matchFound-----------> matched   (both orders, one commit)
//	matching --matchNotFound--------> pending
//	pending|matching --cancelRequested--> cancelled
//	pending|matching --ttlExpired-------> expired
//	matching --payloadRejected------> expired
//	matched  --settlementConfirmed--> settled
//	matched  --settlementFailed-----> matched (retry) | expired (exhausted)
var DefaultTable = Table{
	{order.StatusPending, EventMatchAttemptStarted}: {order.StatusMatching},
	{order.StatusMatching, EventMatchFound}:         {order.StatusMatched},
	{order.StatusMatching, EventMatchNotFound}:      {order.StatusPending},
	{order.StatusPending, EventCancelRequested}:     {order.StatusCancelled},
	{order.StatusMatching, EventCancelRequested}:    {order.StatusCancelled},
	{order.StatusPending, EventTTLExpired}:          {order.StatusExpired},
	{order.StatusMatching, EventTTLExpired}:         {order.StatusExpired},
	{order.StatusMatching, EventPayloadRejected}:    {order.StatusExpired},
	{order.StatusMatched, EventSettlementConfirmed}: {order.StatusSettled},
	{order.StatusMatched, EventSettlementFailed}:    {order.StatusMatched, order.StatusExpired},
}

// Permits reports whether ev may move an order from one status to another.
func (t Table) Permits(from order.Status, ev Event, to order.Status) bool {
	return slices.Contains(t[edge{from, ev}], to)
}

// Accepts reports whether ev is defined for from at all.
func (t Table) Accepts(from order.Status, ev Event) bool {
	return len(t[edge{from, ev}]) > 0
}

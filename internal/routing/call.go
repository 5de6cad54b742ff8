package routing

import (
	"context"
	"time"
)

// CallRecord summarises how one inbound call was routed.
type CallRecord struct {
	CallUUID     string
	CallerNumber string
	ContactID    string
	OwnerID      string
	Decision     Decision
	Err          string
	ReceivedAt   time.Time
	Duration     time.Duration
}

// CallObserver is notified after every routed call.
type CallObserver interface {
	ObserveCall(ctx context.Context, call CallRecord)
}

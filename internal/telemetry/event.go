// Package telemetry defines connect lifecycle events and best-effort emitters for them.
package telemetry

import (
	"context"
	"errors"
	"time"
)

// Connect lifecycle event names.
const (
	EventIssued   = "connect.issued"
	EventRevoked  = "connect.revoked"
	EventConsumed = "connect.consumed"
	EventRejected = "connect.rejected"
)

// Event is one connect lifecycle event. It never carries the plaintext token or its hash.
type Event struct {
	Name      string    `json:"event"`
	Service   string    `json:"service,omitempty"`
	OwnerID   string    `json:"ownerId,omitempty"`
	TokenID   string    `json:"tokenId,omitempty"`
	SourceIP  string    `json:"sourceIp,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventEmitter emits connect events (e.g. to Kafka or OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// MultiEmitter fans an event out to every emitter. Nil entries are skipped.
type MultiEmitter []EventEmitter

// Emit calls every emitter and joins their errors.
func (m MultiEmitter) Emit(ctx context.Context, event *Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

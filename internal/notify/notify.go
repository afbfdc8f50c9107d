// Package notify delivers batch lifecycle events to operators.
//
// Notifications are advisory: a failing sink is logged by the caller and
// never changes ledger state.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	// EventConfirmed: a batch reached its terminal confirmed state.
	EventConfirmed EventType = "batch.confirmed"
	// EventFailed: a submission or confirmation attempt failed; retried later.
	EventFailed EventType = "batch.failed"
	// EventDegraded: confirmed, but the attestation id could not be recovered.
	EventDegraded EventType = "batch.degraded"
	// EventReset: a recorded transaction was dropped or reverted and will be resubmitted.
	EventReset EventType = "batch.reset"
)

// Event is one lifecycle notification.
type Event struct {
	Type          EventType `json:"type"`
	BatchID       string    `json:"batch_id"`
	MerkleRoot    string    `json:"merkle_root,omitempty"`
	TxRef         string    `json:"tx_ref,omitempty"`
	AttestationID string    `json:"attestation_id,omitempty"`
	Count         int       `json:"count,omitempty"`
	Error         string    `json:"error,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	At            time.Time `json:"at"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs confirmations at info and everything else at warn.
func (n LogNotifier) Notify(ctx context.Context, ev Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if ev.Type == EventConfirmed {
		level = slog.LevelInfo
	}
	attrs := []any{"event", string(ev.Type), "batch_id", ev.BatchID}
	if ev.TxRef != "" {
		attrs = append(attrs, "tx_ref", ev.TxRef)
	}
	if ev.AttestationID != "" {
		attrs = append(attrs, "attestation_id", ev.AttestationID)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}
	logger.Log(ctx, level, "batch event", attrs...)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Closer is implemented by notifiers holding a connection.
type Closer interface {
	Close() error
}

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

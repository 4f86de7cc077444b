// Package events carries committed engine mutations to off-engine
// consumers such as a notification relay. Publishing happens after commit;
// nothing in the engine depends on a consumer having reacted.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainguard/internal/model"
)

type Kind string

const (
	AnalysisSubmitted   Kind = "analysis.submitted"
	AnalysisVerified    Kind = "analysis.verified"
	ReportSubmitted     Kind = "report.submitted"
	ReportVoted         Kind = "report.voted"
	ReportStatusChanged Kind = "report.status_changed"
	ReputationUpdated   Kind = "reputation.updated"
	ContractVerified    Kind = "contract.verified"
	AlertCreated        Kind = "alert.created"
	AlertBroadcast      Kind = "alert.broadcast"
	AlertResolved       Kind = "alert.resolved"
	AlertExpired        Kind = "alert.expired"
	SubscriptionUpdated Kind = "subscription.updated"
)

// Change marks what moved in a mutation, e.g. old and new status or score.
type Change struct {
	Old any `json:"old,omitempty"`
	New any `json:"new,omitempty"`
}

type Event struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	Contract model.Address `json:"contract"`
	Actor    model.Address `json:"actor"`
	At       time.Time     `json:"at"`
	Change   *Change       `json:"change,omitempty"`
	Payload  any           `json:"payload"`
}

func New(kind Kind, contract, actor model.Address, at time.Time, payload any) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		Contract: contract,
		Actor:    actor,
		At:       at,
		Payload:  payload,
	}
}

func (e Event) WithChange(from, to any) Event {
	e.Change = &Change{Old: from, New: to}
	return e
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev Event) error {
	if p.Logger == nil {
		return nil
	}
	p.Logger.Info("event", "id", ev.ID, "kind", ev.Kind, "contract", ev.Contract.Hex(), "actor", ev.Actor.Hex())
	return nil
}

func (LogPublisher) Close() error { return nil }

// Multi fans an event out to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

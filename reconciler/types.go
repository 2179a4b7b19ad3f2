package reconciler

import (
	"context"
	"time"

	"github.com/yairfalse/anchor/internal/plugin"
	"github.com/yairfalse/anchor/orchestrator"
	"github.com/yairfalse/anchor/pkg/fault"
	"github.com/yairfalse/anchor/pkg/resource"
	"github.com/yairfalse/anchor/veto"
	"github.com/yairfalse/anchor/wal"
)

// Outcome is the terminal state of a convergence attempt.
type Outcome string

const (
	// OutcomeSkipped means a veto plugin halted the attempt.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeConverged means desired and live state already match.
	OutcomeConverged Outcome = "converged"
	// OutcomeSubmitted means a converge or delete task was accepted.
	OutcomeSubmitted Outcome = "submitted"
	// OutcomeFailed means observation or submission failed.
	OutcomeFailed Outcome = "failed"
)

// Result describes one convergence attempt.
type Result struct {
	Name      resource.Name
	Kind      string
	EventType resource.EventType
	Outcome   Outcome
	Reason    string
	TaskRef   orchestrator.TaskRef
	Changes   []resource.Change
	Err       error
	Duration  time.Duration
}

// auditRecord is the WAL payload of a Result.
type auditRecord struct {
	Kind       string             `json:"kind"`
	Event      resource.EventType `json:"event"`
	Reason     string             `json:"reason,omitempty"`
	Task       string             `json:"task,omitempty"`
	Changes    []resource.Change  `json:"changes,omitempty"`
	ErrorClass fault.Class        `json:"error_class,omitempty"`
	DurationMS int64              `json:"duration_ms"`
}

func (r Result) record() auditRecord {
	return auditRecord{
		Kind:       r.Kind,
		Event:      r.EventType,
		Reason:     r.Reason,
		Task:       r.TaskRef.Ref,
		Changes:    r.Changes,
		ErrorClass: fault.ClassOf(r.Err),
		DurationMS: r.Duration.Milliseconds(),
	}
}

// Gate decides whether an attempt may touch live infrastructure.
type Gate interface {
	Allow(ctx context.Context, r resource.Resource) veto.Decision
}

// Handlers resolves the handler for a kind.
type Handlers interface {
	Get(kind string) (plugin.Handler, error)
}

// AuditLog records attempt outcomes.
type AuditLog interface {
	Append(entryType wal.EntryType, resourceName string, data any) error
	AppendError(entryType wal.EntryType, resourceName string, data any, errToLog error) error
}

// Store lists the desired state and the unconfirmed deletions for sweeps.
type Store interface {
	List() ([]resource.Resource, error)
	PendingDeletes() ([]resource.Resource, error)
}

// Tombstones settles deletions once their delete task is submitted.
type Tombstones interface {
	DeletePending(name resource.Name, version int64) bool
	ConfirmDelete(name resource.Name, version int64) error
}

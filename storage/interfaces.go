package storage

import (
	"time"

	"github.com/yairfalse/anchor/pkg/resource"
)

// Revision is one retained version of a resource.
type Revision struct {
	Revision  int64             `json:"revision"`
	Resource  resource.Resource `json:"resource"`
	Deleted   bool              `json:"deleted,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ResourceReader reads desired state. Absence is reported as a
// fault.ClassNotFound error.
type ResourceReader interface {
	Get(name resource.Name) (resource.Resource, error)
	List() ([]resource.Resource, error)
}

// ResourceWriter mutates desired state. Stale writes fail with
// fault.ClassConflict.
type ResourceWriter interface {
	Create(r resource.Resource) (resource.Resource, error)
	Put(r resource.Resource) (resource.Resource, error)
	Apply(r resource.Resource) (resource.Resource, bool, error)
	Delete(name resource.Name) (resource.Resource, error)
}

// DeletionTracker keeps deleted resources until their deletion is
// confirmed.
type DeletionTracker interface {
	PendingDeletes() ([]resource.Resource, error)
	DeletePending(name resource.Name, version int64) bool
	ConfirmDelete(name resource.Name, version int64) error
}

// HistoryReader exposes retained revisions.
type HistoryReader interface {
	History(name resource.Name) ([]Revision, error)
	CurrentRevision() int64
}

// Compactor handles storage compaction
type Compactor interface {
	Compact(keepRevisions int64) (int, error)
}

// StorageStats provides operational metrics
type StorageStats interface {
	Stats() (resourceCount int, currentRev int64, dbSizeBytes int64)
}

// ResourceStore is the complete store used by the API and the engine.
type ResourceStore interface {
	ResourceReader
	ResourceWriter
	DeletionTracker
	HistoryReader
	Compactor
	StorageStats
	Close() error
}

// Package store declares the persistence surface the engine depends on.
// Implementations live in subpackages.
package store

import (
	"context"

	"github.com/kingrea/ratchet/internal/eventlog"
	"github.com/kingrea/ratchet/internal/idempotency"
	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/workitem"
)

// WorkItems persists work item manifests.
type WorkItems interface {
	CreateWorkItem(ctx context.Context, item workitem.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (workitem.WorkItem, error)
	GetWorkItemByExternalID(ctx context.Context, externalID string) (workitem.WorkItem, error)
	ListWorkItems(ctx context.Context) ([]workitem.WorkItem, error)
	UpdateWorkItem(ctx context.Context, item workitem.WorkItem) error
}

// Registries persists the last classified artifact registry per work item.
type Registries interface {
	SaveRegistry(ctx context.Context, reg integrity.Registry) error
	LoadRegistry(ctx context.Context, workItemID string) (integrity.Registry, error)
}

// Repository is every persisted record of the engine.
type Repository interface {
	WorkItems
	Registries
	eventlog.Store
	ratchet.LockStore
	idempotency.Store
}

// Store is a Repository that can run a unit of work atomically. Everything
// fn does through the repository it receives commits together or not at all.
type Store interface {
	Repository
	Atomically(ctx context.Context, fn func(Repository) error) error
	Close() error
}

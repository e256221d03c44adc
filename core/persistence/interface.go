package persistence

import (
	"context"

	"github.com/bptarpley/corpora/core/schema"
	"github.com/bptarpley/corpora/graph"
)

// PersistenceEventType defines the possible event types for persistence operations.
type PersistenceEventType string

const (
	TypeDefineStart     PersistenceEventType = "type:define:start"
	TypeDefineSuccess   PersistenceEventType = "type:define:success"
	TypeDefineFailed    PersistenceEventType = "type:define:failed"
	TypeDeleteStart     PersistenceEventType = "type:delete:start"
	TypeDeleteSuccess   PersistenceEventType = "type:delete:success"
	TypeDeleteFailed    PersistenceEventType = "type:delete:failed"
	EntitySaveStart     PersistenceEventType = "entity:save:start"
	EntitySaveSuccess   PersistenceEventType = "entity:save:success"
	EntitySaveFailed    PersistenceEventType = "entity:save:failed"
	EntityDeleteStart   PersistenceEventType = "entity:delete:start"
	EntityDeleteSuccess PersistenceEventType = "entity:delete:success"
	EntityDeleteFailed  PersistenceEventType = "entity:delete:failed"
	// EntitySyncFailed is emitted when the search index or the graph could not be
	// brought in line with a primary-store write.
	EntitySyncFailed    PersistenceEventType = "entity:sync:failed"
	ReconcileStart      PersistenceEventType = "reconcile:start"
	ReconcileSuccess    PersistenceEventType = "reconcile:success"
	ReconcileFailed     PersistenceEventType = "reconcile:failed"
	ViewPopulateStart   PersistenceEventType = "view:populate:start"
	ViewPopulateSuccess PersistenceEventType = "view:populate:success"
	ViewPopulateFailed  PersistenceEventType = "view:populate:failed"
)

// Issue is re-exported so event consumers do not need the schema package.
type Issue = schema.Issue

// PersistenceEvent represents events emitted during persistence operations.
type PersistenceEvent struct {
	Type       PersistenceEventType `json:"type"`                 // The type of event (e.g., 'entity:save:start').
	Timestamp  int64                `json:"timestamp"`            // Unix milliseconds.
	Operation  string               `json:"operation"`            // The operation being performed (e.g., 'save').
	Collection *string              `json:"collection,omitempty"` // Name of the collection affected (if applicable).
	Input      any                  `json:"input,omitempty"`
	Output     any                  `json:"output,omitempty"`
	Error      *string              `json:"error,omitempty"`
	Issues     []Issue              `json:"issues,omitempty"`
	Query      any                  `json:"query,omitempty"`
	Duration   *int64               `json:"duration,omitempty"` // Duration of the operation in milliseconds.
	// Context carries corpus_id, content_type and id for entity events.
	Context map[string]any `json:"context,omitempty"`
}

// EventCallbackFunction handles one persistence event.
type EventCallbackFunction func(ctx context.Context, event PersistenceEvent) error

// SubscriptionInfo describes a subscription configuration.
type SubscriptionInfo struct {
	Id          *string              `json:"id,omitempty"`
	Event       PersistenceEventType `json:"event"`                 // The event subscribed to.
	Label       *string              `json:"label,omitempty"`       // Optional short identifier.
	Description *string              `json:"description,omitempty"` // Optional description.
	Unsubscribe func()               `json:"-"`
}

// RegisterSubscriptionOptions defines options for registering a subscription.
type RegisterSubscriptionOptions struct {
	Event       PersistenceEventType `json:"event"`
	Label       *string              `json:"label,omitempty"`
	Description *string              `json:"description,omitempty"`
	Callback    EventCallbackFunction
}

// SearchIndex is the search-engine side of the entity lifecycle.
type SearchIndex interface {
	// EnsureIndex creates or updates the index mapping compiled from d. When recreate
	// is set the index is dropped first.
	EnsureIndex(ctx context.Context, d *schema.Descriptor, recreate bool) error
	DeleteIndex(ctx context.Context, corpusID, typeName string) error
	IndexDocument(ctx context.Context, corpusID, typeName, id string, doc schema.Document) error
	UpdateDocument(ctx context.Context, corpusID, typeName, id string, partial schema.Document) error
	DeleteDocument(ctx context.Context, corpusID, typeName, id string) error
}

// Graph is the graph-store side of the entity lifecycle.
type Graph interface {
	SyncNode(ctx context.Context, node graph.Node) error
	DeleteNode(ctx context.Context, label, uri string) error
	DeleteLabel(ctx context.Context, corpusID, label string) error
}

// JobQueue is the contract with the external job scheduler.
type JobQueue interface {
	Enqueue(ctx context.Context, queue, jobType string, payload map[string]any) (string, error)
	Complete(ctx context.Context, jobID string, report string) error
}

// ViewInvalidator marks content views that depend on a content type as needing a refresh.
type ViewInvalidator interface {
	MarkNeedsRefresh(ctx context.Context, corpusID, typeName string) error
}

// Job types enqueued by the registry and the entity store.
const (
	JobQueueReconcile      = "reconcile"
	JobReconcileDeletions  = "reconcile.deletions"
	JobReconcileReindex    = "reconcile.reindex"
	JobReconcileRelabel    = "reconcile.relabel"
	JobReconcileRelink     = "reconcile.relink"
	JobReconcileResave     = "reconcile.resave"
	JobReconcileFieldStats = "reconcile.stats"
)

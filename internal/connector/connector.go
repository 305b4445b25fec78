// Package connector defines the provider-agnostic contract every SaaS
// adapter implements, plus the process-wide registry the handlers and the
// worker resolve connectors through.
package connector

import (
	"context"
	"net/http"
	"time"

	"github.com/leftbrainit/supasaasy/internal/config"
)

// EventType is the normalized webhook event class.
type EventType string

const (
	EventCreate  EventType = "create"
	EventUpdate  EventType = "update"
	EventDelete  EventType = "delete"
	EventArchive EventType = "archive"
)

// Metadata describes a connector implementation.
type Metadata struct {
	Name               string
	DisplayName        string
	Version            string
	APIVersion         string
	SupportedResources []ResourceDescriptor
}

// ResourceDescriptor enumerates one syncable resource type.
type ResourceDescriptor struct {
	ResourceType        string
	CollectionKey       string
	SupportsIncremental bool
	SupportsWebhooks    bool
}

// Resource looks up a descriptor by resource type.
func (m Metadata) Resource(resourceType string) (ResourceDescriptor, bool) {
	for _, r := range m.SupportedResources {
		if r.ResourceType == resourceType {
			return r, true
		}
	}
	return ResourceDescriptor{}, false
}

// ResourceTypes returns the resource types in declaration order.
func (m Metadata) ResourceTypes() []string {
	out := make([]string, 0, len(m.SupportedResources))
	for _, r := range m.SupportedResources {
		out = append(out, r.ResourceType)
	}
	return out
}

// ValidationIssue is one actionable finding from ValidateConfig.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Warning bool   `json:"warning"`
}

// VerifyResult is the outcome of webhook signature verification. Reason is a
// short generic string; signature values never appear in it.
type VerifyResult struct {
	Valid   bool
	Reason  string
	Payload []byte
}

// ParsedWebhookEvent is the provider-neutral view of one webhook delivery.
type ParsedWebhookEvent struct {
	EventType         EventType
	OriginalEventType string
	ResourceType      string
	ExternalID        string
	Data              map[string]any
	Timestamp         time.Time
	Provider          string
}

// NormalizedEntity matches the entity table columns; it is the connector's
// output shape and is never persisted as-is.
type NormalizedEntity struct {
	ExternalID    string
	AppKey        string
	CollectionKey string
	APIVersion    string
	RawPayload    map[string]any
	ArchivedAt    *time.Time
}

// Counters aggregates sync outcomes.
type Counters struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// Add accumulates other into c.
func (c *Counters) Add(other Counters) {
	c.Created += other.Created
	c.Updated += other.Updated
	c.Deleted += other.Deleted
	c.Errors += other.Errors
}

// SyncResult is returned by full and incremental syncs.
type SyncResult struct {
	Success       bool     `json:"success"`
	Counters      Counters `json:"counters"`
	ErrorMessages []string `json:"error_messages,omitempty"`
	NextCursor    string   `json:"next_cursor,omitempty"`
	HasMore       bool     `json:"has_more"`
	DurationMs    int64    `json:"duration_ms"`
}

// SyncOptions tunes a single sync run.
type SyncOptions struct {
	PageSize int
	Cursor   string
	Since    *time.Time
	Limit    int

	// ResourceTypes restricts the run's scope. Empty means the app's
	// configured sync_resources, falling back to every supported resource.
	ResourceTypes []string
}

// UpsertOutcome discriminates insert from update so counters can be
// attributed correctly.
type UpsertOutcome int

const (
	OutcomeCreated UpsertOutcome = iota
	OutcomeUpdated
)

// EntityStore is the persistence surface connectors and the sync engine
// write through. Implemented by the pgx-backed store and by in-memory fakes
// in tests.
type EntityStore interface {
	Upsert(ctx context.Context, entity NormalizedEntity) (UpsertOutcome, error)
	Delete(ctx context.Context, appKey, collectionKey, externalID string) (bool, error)
	GetExternalIDs(ctx context.Context, appKey, collectionKey string) (map[string]struct{}, error)
	GetExternalIDsCreatedAfter(ctx context.Context, appKey, collectionKey string, unixSeconds int64) (map[string]struct{}, error)
}

// Connector is the capability record every provider adapter implements.
type Connector interface {
	Metadata() Metadata
	ValidateConfig(app config.AppConfig) []ValidationIssue
	VerifyWebhook(rawBody []byte, headers http.Header, secret string) VerifyResult
	ParseWebhookEvent(payload []byte) (*ParsedWebhookEvent, error)
	ExtractEntity(event *ParsedWebhookEvent, app config.AppConfig) (*NormalizedEntity, error)
	FullSync(ctx context.Context, app config.AppConfig, opts SyncOptions) (*SyncResult, error)
	IncrementalSync(ctx context.Context, app config.AppConfig, since time.Time, opts SyncOptions) (*SyncResult, error)
}

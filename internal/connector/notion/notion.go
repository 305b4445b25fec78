// Package notion adapts the Notion docs API to the connector contract.
package notion

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/syncengine"
)

const (
	apiVersion = "2022-06-28"
	defaultAPI = "https://api.notion.com"

	defaultPageSize = 100
)

// Connector implements the docs adapter.
type Connector struct {
	Entities connector.EntityStore
	HTTP     *http.Client
	BaseURL  string
}

// New creates the Notion connector.
func New(entities connector.EntityStore) *Connector {
	return &Connector{
		Entities: entities,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		BaseURL:  defaultAPI,
	}
}

var resources = []connector.ResourceDescriptor{
	{ResourceType: "page", CollectionKey: "notion_page", SupportsIncremental: false, SupportsWebhooks: true},
	{ResourceType: "database", CollectionKey: "notion_database", SupportsIncremental: false, SupportsWebhooks: true},
}

// Metadata implements connector.Connector.
func (c *Connector) Metadata() connector.Metadata {
	return connector.Metadata{
		Name:               "notion",
		DisplayName:        "Notion",
		Version:            "1.0.0",
		APIVersion:         apiVersion,
		SupportedResources: resources,
	}
}

// ValidateConfig implements connector.Connector.
func (c *Connector) ValidateConfig(app config.AppConfig) []connector.ValidationIssue {
	return connector.ValidateAppConfig(c.Metadata(), app)
}

// VerifyWebhook checks the X-Notion-Signature header: "sha256=" followed by
// the hex HMAC-SHA256 of the raw body, compared in constant time.
func (c *Connector) VerifyWebhook(rawBody []byte, headers http.Header, secret string) connector.VerifyResult {
	header := headers.Get("X-Notion-Signature")
	if header == "" {
		return connector.VerifyResult{Reason: "missing signature header"}
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return connector.VerifyResult{Reason: "malformed signature header"}
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return connector.VerifyResult{Reason: "malformed signature header"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return connector.VerifyResult{Reason: "signature mismatch"}
	}
	return connector.VerifyResult{Valid: true, Payload: rawBody}
}

type event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Entity    *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entity"`
	Data map[string]any `json:"data"`
}

// ParseWebhookEvent implements connector.Connector. Trash events map to
// archive: Notion deletion is a soft state the upstream can undo.
func (c *Connector) ParseWebhookEvent(payload []byte) (*connector.ParsedWebhookEvent, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("parse notion event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("notion event has no type")
	}
	if ev.Entity == nil || ev.Entity.ID == "" {
		return nil, fmt.Errorf("notion event %s has no entity", ev.Type)
	}

	resource, action, ok := strings.Cut(ev.Type, ".")
	if !ok || (resource != "page" && resource != "database") {
		return nil, fmt.Errorf("unsupported notion event type %q", ev.Type)
	}

	var eventType connector.EventType
	switch action {
	case "created":
		eventType = connector.EventCreate
	case "deleted", "moved_to_trash":
		eventType = connector.EventArchive
	case "permanently_deleted":
		eventType = connector.EventDelete
	default:
		// content_updated, properties_updated, undeleted, moved.
		eventType = connector.EventUpdate
	}

	ts := time.Now().UTC()
	if parsed, err := time.Parse(time.RFC3339, ev.Timestamp); err == nil {
		ts = parsed.UTC()
	}

	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	data["id"] = ev.Entity.ID
	data["object"] = ev.Entity.Type

	return &connector.ParsedWebhookEvent{
		EventType:         eventType,
		OriginalEventType: ev.Type,
		ResourceType:      resource,
		ExternalID:        ev.Entity.ID,
		Data:              data,
		Timestamp:         ts,
		Provider:          "notion",
	}, nil
}

// ExtractEntity implements connector.Connector.
func (c *Connector) ExtractEntity(ev *connector.ParsedWebhookEvent, app config.AppConfig) (*connector.NormalizedEntity, error) {
	desc, ok := c.Metadata().Resource(ev.ResourceType)
	if !ok {
		return nil, fmt.Errorf("unsupported resource type %q", ev.ResourceType)
	}
	entity := &connector.NormalizedEntity{
		ExternalID:    ev.ExternalID,
		AppKey:        app.AppKey,
		CollectionKey: desc.CollectionKey,
		APIVersion:    apiVersion,
		RawPayload:    ev.Data,
	}
	if ev.EventType == connector.EventArchive {
		at := ev.Timestamp
		entity.ArchivedAt = &at
	}
	return entity, nil
}

// FullSync implements connector.Connector. Notion has no modified-since
// listing, so incremental requests also run through the search endpoint.
func (c *Connector) FullSync(ctx context.Context, app config.AppConfig, opts connector.SyncOptions) (*connector.SyncResult, error) {
	return c.sync(ctx, app, opts, true)
}

// IncrementalSync implements connector.Connector.
func (c *Connector) IncrementalSync(ctx context.Context, app config.AppConfig, since time.Time, opts connector.SyncOptions) (*connector.SyncResult, error) {
	opts.Since = &since
	return c.sync(ctx, app, opts, false)
}

func (c *Connector) sync(ctx context.Context, app config.AppConfig, opts connector.SyncOptions, full bool) (*connector.SyncResult, error) {
	apiKey, err := app.Config.ResolveAPIKey()
	if err != nil {
		return nil, err
	}
	syncFrom, err := app.Config.SyncFromTime()
	if err != nil {
		return nil, err
	}

	total := &connector.SyncResult{Success: true}
	start := time.Now()

	for _, resourceType := range c.resourceScope(app, opts) {
		desc, _ := c.Metadata().Resource(resourceType)

		var existing map[string]struct{}
		if full && opts.Cursor == "" {
			if syncFrom != nil {
				existing, err = c.Entities.GetExternalIDsCreatedAfter(ctx, app.AppKey, desc.CollectionKey, syncFrom.Unix())
			} else {
				existing, err = c.Entities.GetExternalIDs(ctx, app.AppKey, desc.CollectionKey)
			}
			if err != nil {
				return nil, err
			}
		}

		res := syncengine.Run(ctx, c.Entities, syncengine.Input{
			AppKey:        app.AppKey,
			CollectionKey: desc.CollectionKey,
			List:          c.listFunc(apiKey, resourceType),
			Normalize: func(item map[string]any) (*connector.NormalizedEntity, error) {
				id, _ := item["id"].(string)
				var archivedAt *time.Time
				if archived, _ := item["archived"].(bool); archived {
					now := time.Now().UTC()
					archivedAt = &now
				}
				return &connector.NormalizedEntity{
					ExternalID:    id,
					AppKey:        app.AppKey,
					CollectionKey: desc.CollectionKey,
					APIVersion:    apiVersion,
					RawPayload:    item,
					ArchivedAt:    archivedAt,
				}, nil
			},
			ExistingIDs: existing,
			Options:     opts,
		})
		mergeResults(total, res)
	}

	total.DurationMs = time.Since(start).Milliseconds()
	return total, nil
}

func (c *Connector) resourceScope(app config.AppConfig, opts connector.SyncOptions) []string {
	if len(opts.ResourceTypes) > 0 {
		return opts.ResourceTypes
	}
	if len(app.Config.SyncResources) > 0 {
		return app.Config.SyncResources
	}
	return c.Metadata().ResourceTypes()
}

func (c *Connector) listFunc(apiKey, resourceType string) syncengine.ListFunc {
	return func(ctx context.Context, cursor string, opts connector.SyncOptions) (*syncengine.ListResult, error) {
		pageSize := opts.PageSize
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}
		body := map[string]any{
			"page_size": pageSize,
			"filter":    map[string]string{"property": "object", "value": resourceType},
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.BaseURL+"/v1/search", bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Notion-Version", apiVersion)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("notion search %s: %w", resourceType, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("notion search %s: status %d", resourceType, resp.StatusCode)
		}

		var page struct {
			Results    []map[string]any `json:"results"`
			HasMore    bool             `json:"has_more"`
			NextCursor string           `json:"next_cursor"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return nil, fmt.Errorf("notion search %s: decode: %w", resourceType, err)
		}

		items := page.Results
		// The search endpoint has no modified-since filter; incremental
		// windows are applied client-side on last_edited_time.
		if opts.Since != nil {
			filtered := items[:0]
			for _, item := range items {
				if edited, ok := item["last_edited_time"].(string); ok {
					if t, err := time.Parse(time.RFC3339, edited); err == nil && t.Before(*opts.Since) {
						continue
					}
				}
				filtered = append(filtered, item)
			}
			items = filtered
		}

		return &syncengine.ListResult{
			Items:      items,
			HasMore:    page.HasMore,
			NextCursor: page.NextCursor,
		}, nil
	}
}

func mergeResults(total, res *connector.SyncResult) {
	total.Counters.Add(res.Counters)
	total.ErrorMessages = append(total.ErrorMessages, res.ErrorMessages...)
	if !res.Success {
		total.Success = false
	}
	if res.HasMore {
		total.HasMore = true
		total.NextCursor = res.NextCursor
	}
}

// Package hubspot adapts the HubSpot CRM API to the connector contract.
package hubspot

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/syncengine"
)

const (
	apiVersion = "v3"
	defaultAPI = "https://api.hubapi.com"

	defaultPageSize = 100
)

// Connector implements the CRM adapter.
type Connector struct {
	Entities connector.EntityStore
	HTTP     *http.Client
	BaseURL  string
}

// New creates the HubSpot connector.
func New(entities connector.EntityStore) *Connector {
	return &Connector{
		Entities: entities,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		BaseURL:  defaultAPI,
	}
}

var resources = []connector.ResourceDescriptor{
	{ResourceType: "contact", CollectionKey: "hubspot_contact", SupportsIncremental: true, SupportsWebhooks: true},
	{ResourceType: "company", CollectionKey: "hubspot_company", SupportsIncremental: true, SupportsWebhooks: true},
	{ResourceType: "deal", CollectionKey: "hubspot_deal", SupportsIncremental: true, SupportsWebhooks: true},
}

var objectPaths = map[string]string{
	"contact": "/crm/v3/objects/contacts",
	"company": "/crm/v3/objects/companies",
	"deal":    "/crm/v3/objects/deals",
}

// Metadata implements connector.Connector.
func (c *Connector) Metadata() connector.Metadata {
	return connector.Metadata{
		Name:               "hubspot",
		DisplayName:        "HubSpot",
		Version:            "1.0.0",
		APIVersion:         apiVersion,
		SupportedResources: resources,
	}
}

// ValidateConfig implements connector.Connector.
func (c *Connector) ValidateConfig(app config.AppConfig) []connector.ValidationIssue {
	return connector.ValidateAppConfig(c.Metadata(), app)
}

// VerifyWebhook checks the X-Hub-Signature header: "sha1=" followed by the
// hex HMAC-SHA1 of the raw body. Constant-time comparison; the signature
// value is never logged.
func (c *Connector) VerifyWebhook(rawBody []byte, headers http.Header, secret string) connector.VerifyResult {
	header := headers.Get("X-Hub-Signature")
	if header == "" {
		return connector.VerifyResult{Reason: "missing signature header"}
	}
	hexSig, ok := strings.CutPrefix(header, "sha1=")
	if !ok {
		return connector.VerifyResult{Reason: "malformed signature header"}
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return connector.VerifyResult{Reason: "malformed signature header"}
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return connector.VerifyResult{Reason: "signature mismatch"}
	}
	return connector.VerifyResult{Valid: true, Payload: rawBody}
}

type event struct {
	EventID          int64          `json:"eventId"`
	SubscriptionType string         `json:"subscriptionType"`
	ObjectID         int64          `json:"objectId"`
	OccurredAt       int64          `json:"occurredAt"`
	Properties       map[string]any `json:"properties"`
}

// ParseWebhookEvent implements connector.Connector. HubSpot delivers events
// in batches; a single-object body is accepted too.
func (c *Connector) ParseWebhookEvent(payload []byte) (*connector.ParsedWebhookEvent, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		var batch []event
		if err := json.Unmarshal(payload, &batch); err != nil || len(batch) == 0 {
			return nil, fmt.Errorf("parse hubspot event: %w", err)
		}
		ev = batch[0]
	}
	if ev.SubscriptionType == "" {
		return nil, fmt.Errorf("hubspot event has no subscriptionType")
	}
	if ev.ObjectID == 0 {
		return nil, fmt.Errorf("hubspot event has no objectId")
	}

	resource, action, ok := strings.Cut(ev.SubscriptionType, ".")
	if !ok {
		return nil, fmt.Errorf("unsupported hubspot subscription type %q", ev.SubscriptionType)
	}
	if _, supported := objectPaths[resource]; !supported {
		return nil, fmt.Errorf("unsupported hubspot subscription type %q", ev.SubscriptionType)
	}

	var eventType connector.EventType
	switch action {
	case "creation":
		eventType = connector.EventCreate
	case "deletion", "privacyDeletion":
		eventType = connector.EventDelete
	default:
		// propertyChange, merge and restore all carry new object state.
		eventType = connector.EventUpdate
	}

	data := ev.Properties
	if data == nil {
		data = map[string]any{}
	}
	data["id"] = strconv.FormatInt(ev.ObjectID, 10)

	return &connector.ParsedWebhookEvent{
		EventType:         eventType,
		OriginalEventType: ev.SubscriptionType,
		ResourceType:      resource,
		ExternalID:        strconv.FormatInt(ev.ObjectID, 10),
		Data:              data,
		Timestamp:         time.UnixMilli(ev.OccurredAt).UTC(),
		Provider:          "hubspot",
	}, nil
}

// ExtractEntity implements connector.Connector.
func (c *Connector) ExtractEntity(ev *connector.ParsedWebhookEvent, app config.AppConfig) (*connector.NormalizedEntity, error) {
	desc, ok := c.Metadata().Resource(ev.ResourceType)
	if !ok {
		return nil, fmt.Errorf("unsupported resource type %q", ev.ResourceType)
	}
	return &connector.NormalizedEntity{
		ExternalID:    ev.ExternalID,
		AppKey:        app.AppKey,
		CollectionKey: desc.CollectionKey,
		APIVersion:    apiVersion,
		RawPayload:    ev.Data,
	}, nil
}

// FullSync implements connector.Connector.
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
					if at, ok := item["archivedAt"].(string); ok {
						if t, err := time.Parse(time.RFC3339, at); err == nil {
							archivedAt = &t
						}
					}
					if archivedAt == nil {
						now := time.Now().UTC()
						archivedAt = &now
					}
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
		q := url.Values{}
		pageSize := opts.PageSize
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}
		q.Set("limit", strconv.Itoa(pageSize))
		if cursor != "" {
			q.Set("after", cursor)
		}
		if opts.Since != nil {
			q.Set("updatedAfter", opts.Since.UTC().Format(time.RFC3339))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.BaseURL+objectPaths[resourceType]+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("hubspot list %s: %w", resourceType, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("hubspot list %s: status %d", resourceType, resp.StatusCode)
		}

		var page struct {
			Results []map[string]any `json:"results"`
			Paging  *struct {
				Next *struct {
					After string `json:"after"`
				} `json:"next"`
			} `json:"paging"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return nil, fmt.Errorf("hubspot list %s: decode: %w", resourceType, err)
		}

		out := &syncengine.ListResult{Items: page.Results}
		if page.Paging != nil && page.Paging.Next != nil && page.Paging.Next.After != "" {
			out.HasMore = true
			out.NextCursor = page.Paging.Next.After
		}
		return out, nil
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

// Package stripe adapts the Stripe billing API to the connector contract.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
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
	apiVersion = "2024-06-20"
	defaultAPI = "https://api.stripe.com"

	// Signed timestamps older than this are rejected to blunt replay.
	signatureTolerance = 5 * time.Minute

	defaultPageSize = 100
)

// Connector implements the billing adapter.
type Connector struct {
	Entities connector.EntityStore
	HTTP     *http.Client
	BaseURL  string
	now      func() time.Time
}

// New creates the Stripe connector.
func New(entities connector.EntityStore) *Connector {
	return &Connector{
		Entities: entities,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		BaseURL:  defaultAPI,
		now:      time.Now,
	}
}

var resources = []connector.ResourceDescriptor{
	{ResourceType: "customer", CollectionKey: "stripe_customer", SupportsIncremental: true, SupportsWebhooks: true},
	{ResourceType: "subscription", CollectionKey: "stripe_subscription", SupportsIncremental: true, SupportsWebhooks: true},
	{ResourceType: "invoice", CollectionKey: "stripe_invoice", SupportsIncremental: true, SupportsWebhooks: true},
}

var listPaths = map[string]string{
	"customer":     "/v1/customers",
	"subscription": "/v1/subscriptions",
	"invoice":      "/v1/invoices",
}

// Metadata implements connector.Connector.
func (c *Connector) Metadata() connector.Metadata {
	return connector.Metadata{
		Name:               "stripe",
		DisplayName:        "Stripe",
		Version:            "1.0.0",
		APIVersion:         apiVersion,
		SupportedResources: resources,
	}
}

// ValidateConfig implements connector.Connector.
func (c *Connector) ValidateConfig(app config.AppConfig) []connector.ValidationIssue {
	return connector.ValidateAppConfig(c.Metadata(), app)
}

// VerifyWebhook checks the Stripe-Signature header: a timestamped
// HMAC-SHA256 over "{t}.{body}". The comparison is constant-time and the
// signature value is never logged or echoed.
func (c *Connector) VerifyWebhook(rawBody []byte, headers http.Header, secret string) connector.VerifyResult {
	header := headers.Get("Stripe-Signature")
	if header == "" {
		return connector.VerifyResult{Reason: "missing signature header"}
	}

	var ts int64
	var candidates [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return connector.VerifyResult{Reason: "malformed signature header"}
			}
			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			candidates = append(candidates, sig)
		}
	}
	if ts == 0 || len(candidates) == 0 {
		return connector.VerifyResult{Reason: "malformed signature header"}
	}

	if delta := c.now().Sub(time.Unix(ts, 0)); delta > signatureTolerance || delta < -signatureTolerance {
		return connector.VerifyResult{Reason: "signature timestamp outside tolerance"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	for _, sig := range candidates {
		if hmac.Equal(expected, sig) {
			return connector.VerifyResult{Valid: true, Payload: rawBody}
		}
	}
	return connector.VerifyResult{Reason: "signature mismatch"}
}

type event struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	APIVersion string `json:"api_version"`
	Created    int64  `json:"created"`
	Data       struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

// ParseWebhookEvent implements connector.Connector.
func (c *Connector) ParseWebhookEvent(payload []byte) (*connector.ParsedWebhookEvent, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("parse stripe event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("stripe event has no type")
	}

	resourceType, eventType, err := classify(ev.Type)
	if err != nil {
		return nil, err
	}

	externalID, _ := ev.Data.Object["id"].(string)
	if externalID == "" {
		return nil, fmt.Errorf("stripe event %s has no object id", ev.Type)
	}

	return &connector.ParsedWebhookEvent{
		EventType:         eventType,
		OriginalEventType: ev.Type,
		ResourceType:      resourceType,
		ExternalID:        externalID,
		Data:              ev.Data.Object,
		Timestamp:         time.Unix(ev.Created, 0).UTC(),
		Provider:          "stripe",
	}, nil
}

// classify maps a Stripe event type like "customer.subscription.deleted" to
// a resource type and normalized event class.
func classify(eventType string) (string, connector.EventType, error) {
	parts := strings.Split(eventType, ".")
	action := parts[len(parts)-1]

	resource := parts[0]
	if len(parts) == 3 && parts[0] == "customer" {
		// customer.subscription.* events carry the subscription object.
		resource = parts[1]
	}
	if _, ok := listPaths[resource]; !ok {
		return "", "", fmt.Errorf("unsupported stripe event type %q", eventType)
	}

	switch action {
	case "created":
		return resource, connector.EventCreate, nil
	case "deleted":
		return resource, connector.EventDelete, nil
	default:
		// updated, paid, payment_succeeded, finalized and friends all carry
		// the latest object state.
		return resource, connector.EventUpdate, nil
	}
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

// FullSync implements connector.Connector. Every resource in scope is
// listed, upserted and reconciled against the stored external ids.
func (c *Connector) FullSync(ctx context.Context, app config.AppConfig, opts connector.SyncOptions) (*connector.SyncResult, error) {
	return c.sync(ctx, app, opts, true)
}

// IncrementalSync lists objects created or updated since the watermark; no
// deletion reconciliation.
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
			List:          c.listFunc(apiKey, resourceType, syncFrom),
			Normalize: func(item map[string]any) (*connector.NormalizedEntity, error) {
				id, _ := item["id"].(string)
				return &connector.NormalizedEntity{
					ExternalID:    id,
					AppKey:        app.AppKey,
					CollectionKey: desc.CollectionKey,
					APIVersion:    apiVersion,
					RawPayload:    item,
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

func (c *Connector) listFunc(apiKey, resourceType string, syncFrom *time.Time) syncengine.ListFunc {
	return func(ctx context.Context, cursor string, opts connector.SyncOptions) (*syncengine.ListResult, error) {
		q := url.Values{}
		pageSize := opts.PageSize
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}
		q.Set("limit", strconv.Itoa(pageSize))
		if cursor != "" {
			q.Set("starting_after", cursor)
		}
		switch {
		case opts.Since != nil:
			q.Set("created[gte]", strconv.FormatInt(opts.Since.Unix(), 10))
		case syncFrom != nil:
			q.Set("created[gte]", strconv.FormatInt(syncFrom.Unix(), 10))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.BaseURL+listPaths[resourceType]+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Stripe-Version", apiVersion)

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("stripe list %s: %w", resourceType, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("stripe list %s: status %d", resourceType, resp.StatusCode)
		}

		var page struct {
			Data    []map[string]any `json:"data"`
			HasMore bool             `json:"has_more"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return nil, fmt.Errorf("stripe list %s: decode: %w", resourceType, err)
		}

		out := &syncengine.ListResult{Items: page.Data, HasMore: page.HasMore}
		if page.HasMore && len(page.Data) > 0 {
			if last, ok := page.Data[len(page.Data)-1]["id"].(string); ok {
				out.NextCursor = last
			}
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

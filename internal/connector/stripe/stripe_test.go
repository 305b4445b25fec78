package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
)

const secret = "whsec_unit_test"

type memEntities struct {
	mu   sync.Mutex
	rows map[string]map[string]any
}

func newMemEntities(ids ...string) *memEntities {
	m := &memEntities{rows: make(map[string]map[string]any)}
	for _, id := range ids {
		m.rows[id] = map[string]any{"id": id}
	}
	return m
}

func (m *memEntities) Upsert(ctx context.Context, e connector.NormalizedEntity) (connector.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.rows[e.ExternalID]
	m.rows[e.ExternalID] = e.RawPayload
	if exists {
		return connector.OutcomeUpdated, nil
	}
	return connector.OutcomeCreated, nil
}

func (m *memEntities) Delete(ctx context.Context, appKey, collectionKey, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.rows[externalID]
	delete(m.rows, externalID)
	return existed, nil
}

func (m *memEntities) GetExternalIDs(ctx context.Context, appKey, collectionKey string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]struct{}, len(m.rows))
	for id := range m.rows {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (m *memEntities) GetExternalIDsCreatedAfter(ctx context.Context, appKey, collectionKey string, unixSeconds int64) (map[string]struct{}, error) {
	return m.GetExternalIDs(ctx, appKey, collectionKey)
}

func sign(body []byte, key string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyWebhook(t *testing.T) {
	c := New(newMemEntities())
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	tests := []struct {
		name   string
		header string
		valid  bool
	}{
		{"valid", sign(body, secret, now.Unix()), true},
		{"wrong secret", sign(body, "other", now.Unix()), false},
		{"stale timestamp", sign(body, secret, now.Add(-10*time.Minute).Unix()), false},
		{"future timestamp", sign(body, secret, now.Add(10*time.Minute).Unix()), false},
		{"missing header", "", false},
		{"garbage header", "t=abc,v1=zzz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Stripe-Signature", tt.header)
			}
			res := c.VerifyWebhook(body, h, secret)
			assert.Equal(t, tt.valid, res.Valid)
			if !tt.valid {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestParseWebhookEvent(t *testing.T) {
	c := New(newMemEntities())

	tests := []struct {
		eventType    string
		wantResource string
		wantType     connector.EventType
	}{
		{"customer.created", "customer", connector.EventCreate},
		{"customer.updated", "customer", connector.EventUpdate},
		{"customer.deleted", "customer", connector.EventDelete},
		{"customer.subscription.created", "subscription", connector.EventCreate},
		{"customer.subscription.deleted", "subscription", connector.EventDelete},
		{"invoice.payment_succeeded", "invoice", connector.EventUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			body := fmt.Sprintf(
				`{"id":"evt_1","type":"%s","created":1700000000,"data":{"object":{"id":"obj_1"}}}`,
				tt.eventType)
			ev, err := c.ParseWebhookEvent([]byte(body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantResource, ev.ResourceType)
			assert.Equal(t, tt.wantType, ev.EventType)
			assert.Equal(t, "obj_1", ev.ExternalID)
			assert.Equal(t, "stripe", ev.Provider)
		})
	}

	_, err := c.ParseWebhookEvent([]byte(`{"type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`))
	assert.Error(t, err, "unsupported resource should be rejected")

	_, err = c.ParseWebhookEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestExtractEntity(t *testing.T) {
	c := New(newMemEntities())
	app := config.AppConfig{AppKey: "acme_billing", Connector: "stripe"}

	ev, err := c.ParseWebhookEvent([]byte(
		`{"id":"evt_1","type":"customer.created","created":1700000000,"data":{"object":{"id":"cus_9","email":"a@b.c"}}}`))
	require.NoError(t, err)

	entity, err := c.ExtractEntity(ev, app)
	require.NoError(t, err)
	assert.Equal(t, "cus_9", entity.ExternalID)
	assert.Equal(t, "acme_billing", entity.AppKey)
	assert.Equal(t, "stripe_customer", entity.CollectionKey)
	assert.Equal(t, "a@b.c", entity.RawPayload["email"])
}

// fullSyncFixture serves two pages of customers through the Stripe list
// shape (data + has_more + starting_after).
func fullSyncFixture(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk_test_abc", r.Header.Get("Authorization"))
		var page map[string]any
		if r.URL.Query().Get("starting_after") == "" {
			page = map[string]any{
				"data": []map[string]any{
					{"id": "cus_b", "created": 1700000100},
					{"id": "cus_c", "created": 1700000200},
				},
				"has_more": true,
			}
		} else {
			page = map[string]any{
				"data":     []map[string]any{{"id": "cus_d", "created": 1700000300}},
				"has_more": false,
			}
		}
		json.NewEncoder(w).Encode(page)
	}))
}

func TestFullSync_PaginatesAndReconciles(t *testing.T) {
	entities := newMemEntities("cus_a", "cus_b", "cus_c")
	upstream := fullSyncFixture(t)
	defer upstream.Close()

	c := New(entities)
	c.BaseURL = upstream.URL

	app := config.AppConfig{
		AppKey:    "acme_billing",
		Connector: "stripe",
		Config:    config.AppSettings{APIKey: "sk_test_abc"},
	}

	res, err := c.FullSync(context.Background(), app, connector.SyncOptions{
		ResourceTypes: []string{"customer"},
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Counters.Created)
	assert.Equal(t, 2, res.Counters.Updated)
	assert.Equal(t, 1, res.Counters.Deleted)
	assert.NotContains(t, entities.rows, "cus_a")
	assert.Contains(t, entities.rows, "cus_d")
}

func TestIncrementalSync_NoReconciliation(t *testing.T) {
	entities := newMemEntities("cus_gone")
	upstream := fullSyncFixture(t)
	defer upstream.Close()

	c := New(entities)
	c.BaseURL = upstream.URL

	app := config.AppConfig{
		AppKey:    "acme_billing",
		Connector: "stripe",
		Config:    config.AppSettings{APIKey: "sk_test_abc"},
	}

	res, err := c.IncrementalSync(context.Background(), app, time.Unix(1700000000, 0),
		connector.SyncOptions{ResourceTypes: []string{"customer"}})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Counters.Deleted)
	assert.Contains(t, entities.rows, "cus_gone", "incremental sync must never delete")
}

func TestFullSync_UpstreamFailureFailsRun(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	c := New(newMemEntities())
	c.BaseURL = upstream.URL

	app := config.AppConfig{
		AppKey:    "acme_billing",
		Connector: "stripe",
		Config:    config.AppSettings{APIKey: "sk_test_abc"},
	}

	res, err := c.FullSync(context.Background(), app, connector.SyncOptions{ResourceTypes: []string{"customer"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.ErrorMessages)
}

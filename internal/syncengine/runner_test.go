package syncengine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/store"
)

type memStates struct {
	watermarks map[string]time.Time
}

func (m *memStates) GetLastSynced(ctx context.Context, appKey, collectionKey string) (*time.Time, error) {
	if t, ok := m.watermarks[appKey+"/"+collectionKey]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *memStates) SetLastSynced(ctx context.Context, appKey, collectionKey string, at time.Time) error {
	m.watermarks[appKey+"/"+collectionKey] = at
	return nil
}

type recordingConnector struct {
	issues      []connector.ValidationIssue
	result      *connector.SyncResult
	fullCalls   int
	incrCalls   int
	incremental bool
	lastSince   time.Time
}

func (c *recordingConnector) Metadata() connector.Metadata {
	return connector.Metadata{
		Name: "billing",
		SupportedResources: []connector.ResourceDescriptor{
			{ResourceType: "customer", CollectionKey: "billing_customer", SupportsIncremental: c.incremental},
		},
	}
}
func (c *recordingConnector) ValidateConfig(app config.AppConfig) []connector.ValidationIssue {
	return c.issues
}
func (c *recordingConnector) VerifyWebhook(rawBody []byte, headers http.Header, secret string) connector.VerifyResult {
	return connector.VerifyResult{Valid: true}
}
func (c *recordingConnector) ParseWebhookEvent(payload []byte) (*connector.ParsedWebhookEvent, error) {
	return nil, nil
}
func (c *recordingConnector) ExtractEntity(event *connector.ParsedWebhookEvent, app config.AppConfig) (*connector.NormalizedEntity, error) {
	return nil, nil
}
func (c *recordingConnector) FullSync(ctx context.Context, app config.AppConfig, opts connector.SyncOptions) (*connector.SyncResult, error) {
	c.fullCalls++
	return c.result, nil
}
func (c *recordingConnector) IncrementalSync(ctx context.Context, app config.AppConfig, since time.Time, opts connector.SyncOptions) (*connector.SyncResult, error) {
	c.incrCalls++
	c.lastSince = since
	return c.result, nil
}

func newRunnerFixture(conn *recordingConnector) (*Runner, *memStates, *config.AppConfig) {
	registry := connector.NewRegistry()
	registry.Register(conn)
	states := &memStates{watermarks: make(map[string]time.Time)}
	app := &config.AppConfig{AppKey: "acme", Connector: "billing"}
	return &Runner{Registry: registry, States: states}, states, app
}

func TestRunResource_IncrementalUsesWatermark(t *testing.T) {
	conn := &recordingConnector{incremental: true, result: &connector.SyncResult{Success: true}}
	runner, states, app := newRunnerFixture(conn)

	watermark := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	states.watermarks["acme/billing_customer"] = watermark

	before := time.Now().UTC()
	res, err := runner.RunResource(context.Background(), app, "customer", store.ModeIncremental, connector.SyncOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, conn.incrCalls)
	assert.Equal(t, 0, conn.fullCalls)
	assert.Equal(t, watermark, conn.lastSince)

	// The new watermark is the run-start instant, not completion.
	updated := states.watermarks["acme/billing_customer"]
	assert.False(t, updated.Before(before))
	assert.False(t, updated.After(time.Now().UTC()))
}

func TestRunResource_NoWatermarkFallsBackToFull(t *testing.T) {
	conn := &recordingConnector{incremental: true, result: &connector.SyncResult{Success: true}}
	runner, _, app := newRunnerFixture(conn)

	_, err := runner.RunResource(context.Background(), app, "customer", store.ModeIncremental, connector.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, conn.incrCalls)
	assert.Equal(t, 1, conn.fullCalls)
}

func TestRunResource_ResourceWithoutIncrementalSupport(t *testing.T) {
	conn := &recordingConnector{incremental: false, result: &connector.SyncResult{Success: true}}
	runner, states, app := newRunnerFixture(conn)
	states.watermarks["acme/billing_customer"] = time.Now().UTC()

	_, err := runner.RunResource(context.Background(), app, "customer", store.ModeIncremental, connector.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, conn.incrCalls)
	assert.Equal(t, 1, conn.fullCalls)
}

func TestRunResource_FailureLeavesWatermarkAlone(t *testing.T) {
	conn := &recordingConnector{result: &connector.SyncResult{Success: false}}
	runner, states, app := newRunnerFixture(conn)

	_, err := runner.RunResource(context.Background(), app, "customer", store.ModeFull, connector.SyncOptions{})
	require.NoError(t, err)
	assert.Empty(t, states.watermarks)
}

func TestRunResource_ConfigurationErrors(t *testing.T) {
	conn := &recordingConnector{issues: []connector.ValidationIssue{{Field: "api_key", Message: "missing"}}}
	runner, _, app := newRunnerFixture(conn)

	_, err := runner.RunResource(context.Background(), app, "customer", store.ModeFull, connector.SyncOptions{})
	var verr *connector.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "acme", verr.AppKey)
}

func TestRunResource_UnsupportedResourceType(t *testing.T) {
	conn := &recordingConnector{result: &connector.SyncResult{Success: true}}
	runner, _, app := newRunnerFixture(conn)

	_, err := runner.RunResource(context.Background(), app, "widget", store.ModeFull, connector.SyncOptions{})
	assert.Error(t, err, "unsupported resource type must be rejected")
}

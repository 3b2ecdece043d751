// Package syncclient implements the client-server sync protocol (spec
// §4.9): an outbox-driven push/pull loop that bootstraps from and stays
// converged with a sync server, guarded by a circuit breaker and backing
// off on failure.
//
// Grounded on the teacher's apps/edge-mcp/internal/core/client.go (a
// *http.Client field, a doRequest helper marshaling a JSON body and
// decoding a JSON response, connection-state bookkeeping under a mutex)
// generalized from its Core-Platform-specific endpoints to the four sync
// endpoints this spec defines, plus pkg/adapters/resilience/retry.go
// (exponential backoff config shape, reused here for the enable-time
// healthz probe) and internal/adapters/resilience/circuitbreaker.go (the
// gobreaker wrapper in circuitbreaker.go).
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/aggregat4/tasklist-sync/internal/apperrors"
	"github.com/aggregat4/tasklist-sync/internal/observability"
	"github.com/aggregat4/tasklist-sync/internal/repository"
	"github.com/aggregat4/tasklist-sync/internal/storage"
)

// backoffInitial and backoffMax bound every retry schedule in this package
// (spec §4.9: "schedule exponential backoff (500 ms → 10 s)").
const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 10 * time.Second

	defaultPushPollInterval = 300 * time.Millisecond
	defaultPullInterval     = 5 * time.Second
)

// Client is the sync client for one local repository (spec §4.9). A zero
// Client is not usable; construct with New.
type Client struct {
	mu sync.Mutex

	baseURL    string
	httpClient *http.Client
	store      *storage.Engine
	repo       *repository.Repository
	breaker    *gobreaker.CircuitBreaker

	clientID             string
	datasetGenerationKey string
	lastServerSeq        int64

	pushPollInterval time.Duration
	pullInterval     time.Duration

	enabled bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  observability.StartSpanFunc
}

// Option configures a Client at construction, following the teacher's
// functional-option convention (pkg/repository/postgres/task_repository.go).
type Option func(*Client)

// WithHTTPClient overrides the client's *http.Client (defaults to a 30s
// request timeout, mirroring the teacher's NewClient).
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithLogger overrides the client's logger.
func WithLogger(l observability.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMetrics overrides the client's metrics client.
func WithMetrics(m observability.MetricsClient) Option { return func(c *Client) { c.metrics = m } }

// WithTracer overrides the client's tracer.
func WithTracer(t observability.StartSpanFunc) Option { return func(c *Client) { c.tracer = t } }

// WithPullInterval overrides the pull loop's polling period.
func WithPullInterval(d time.Duration) Option { return func(c *Client) { c.pullInterval = d } }

// WithPushPollInterval overrides how often the push loop checks the outbox.
func WithPushPollInterval(d time.Duration) Option { return func(c *Client) { c.pushPollInterval = d } }

// New constructs a Client, loading a persisted clientId/cursor/generation
// key from store or minting a fresh clientId on first run (spec §4.9:
// "clientId (persistent, generated once)").
func New(ctx context.Context, baseURL string, store *storage.Engine, repo *repository.Repository, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:          baseURL,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		store:            store,
		repo:             repo,
		breaker:          newCircuitBreaker("sync-client"),
		pushPollInterval: defaultPushPollInterval,
		pullInterval:     defaultPullInterval,
		stopCh:           make(chan struct{}),
		logger:           observability.NewNoopLogger(),
		metrics:          observability.NewNoopMetricsClient(),
		tracer:           observability.NoopStartSpan,
	}
	for _, opt := range opts {
		opt(c)
	}

	state, ok, err := store.LoadSyncState(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		c.clientID = state.ClientID
		c.lastServerSeq = state.LastServerSeq
		c.datasetGenerationKey = state.DatasetGenerationKey
	} else {
		c.clientID = uuid.NewString()
		if err := store.SaveSyncState(ctx, storage.SyncState{ClientID: c.clientID}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ClientID returns the persistent client identifier.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Enabled reports whether the push/pull loops are currently running.
func (c *Client) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Client) saveState(ctx context.Context) {
	c.mu.Lock()
	state := storage.SyncState{ClientID: c.clientID, LastServerSeq: c.lastServerSeq, DatasetGenerationKey: c.datasetGenerationKey}
	c.mu.Unlock()
	if err := c.store.SaveSyncState(ctx, state); err != nil {
		c.logger.Error("failed to persist sync state", map[string]interface{}{"error": err.Error()})
	}
}

// Enable probes healthz with exponential backoff until it succeeds (or ctx
// is cancelled), bootstraps, then starts the push and pull loops (spec
// §4.9: "probe healthz; on success transition to connected, invoke
// bootstrap, start push/pull loops").
func (c *Client) Enable(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.MaxInterval = backoffMax
	b.MaxElapsedTime = 0 // retry until ctx is cancelled
	ctxBackoff := backoff.WithContext(b, ctx)

	if err := backoff.Retry(func() error { return c.probeHealthz(ctx) }, ctxBackoff); err != nil {
		return errors.Wrap(apperrors.ErrNetworkUnavailable, err.Error())
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.enabled = true
	c.stopCh = stop
	c.mu.Unlock()

	if err := c.Bootstrap(ctx); err != nil {
		c.logger.Warn("initial bootstrap failed; push/pull loops will retry", map[string]interface{}{"error": err.Error()})
	}

	c.wg.Add(2)
	go c.pushLoop(ctx, stop)
	go c.pullLoop(ctx, stop)
	return nil
}

// Disable stops the push and pull loops and waits for them to exit. Safe
// to call even if Enable was never called or already stopped.
func (c *Client) Disable() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Client) probeHealthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned status %d", resp.StatusCode)
	}
	return nil
}

// doRequest marshals body (if non-nil), issues method/path through the
// circuit breaker, and returns the raw response for the caller to decode
// (mirrors the teacher's Client.doRequest).
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	ctx, span := c.tracer(ctx, "syncclient."+method+path)
	defer span.End()

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(apperrors.ErrDecodeError, err.Error())
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.httpClient.Do(req)
	})
	if err != nil {
		c.metrics.IncrementCounter("syncclient_request_errors", 1)
		return nil, errors.Wrap(apperrors.ErrNetworkUnavailable, err.Error())
	}
	return result.(*http.Response), nil
}

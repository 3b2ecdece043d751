package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/aggregat4/tasklist-sync/internal/apperrors"
	"github.com/aggregat4/tasklist-sync/internal/crdt"
	"github.com/aggregat4/tasklist-sync/internal/repository"
)

var (
	errStopped            = errors.New("sync client stopped")
	errGenerationMismatch = errors.New("dataset generation mismatch")
)

// Bootstrap fetches the active snapshot and op tail from the server (spec
// §4.9 Bootstrap). A generation mismatch against the locally-held key
// replaces local state wholesale via ReplaceWithSnapshot; a match merges
// the returned ops and advances the cursor.
func (c *Client) Bootstrap(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/sync/bootstrap?clientId="+c.ClientID(), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(apperrors.ErrNetworkUnavailable, "bootstrap returned status %d", resp.StatusCode)
	}

	var body bootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(apperrors.ErrDecodeError, err.Error())
	}

	c.mu.Lock()
	localGeneration := c.datasetGenerationKey
	c.mu.Unlock()

	if localGeneration != "" && localGeneration == body.DatasetGenerationKey {
		c.repo.ApplyRemoteOps(ctx, body.Ops)
		c.mu.Lock()
		c.lastServerSeq = body.ServerSeq
		c.mu.Unlock()
		c.saveState(ctx)
		return nil
	}

	var snap repository.Snapshot
	if err := json.Unmarshal([]byte(body.Snapshot), &snap); err != nil {
		return errors.Wrap(apperrors.ErrDecodeError, err.Error())
	}
	if err := c.repo.ReplaceWithSnapshot(ctx, snap); err != nil {
		return err
	}
	c.repo.ApplyRemoteOps(ctx, body.Ops)

	c.mu.Lock()
	c.datasetGenerationKey = body.DatasetGenerationKey
	c.lastServerSeq = body.ServerSeq
	c.mu.Unlock()
	c.saveState(ctx)
	return nil
}

// pushLoop drains the outbox to the server until Disable is called (spec
// §4.9 Push loop).
func (c *Client) pushLoop(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pushPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainOutbox(ctx, stop)
		}
	}
}

// drainOutbox pushes the entire outbox in one request, retrying with
// backoff on network error and falling back to bootstrap on a generation
// mismatch, per spec §4.9. It returns once the outbox is empty or a
// non-retryable condition stops it (so a single push-poll tick never
// blocks past the next Disable).
func (c *Client) drainOutbox(ctx context.Context, stop <-chan struct{}) {
	entries, err := c.store.LoadOutbox(ctx)
	if err != nil {
		c.logger.Error("failed to load outbox", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		return
	}

	ops := make([]crdt.Op, 0, len(entries))
	seqs := make([]int64, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Op)
		seqs = append(seqs, e.Seq)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.MaxInterval = backoffMax
	b.MaxElapsedTime = 0
	ctxBackoff := backoff.WithContext(b, ctx)

	_ = backoff.Retry(func() error {
		select {
		case <-stop:
			return backoff.Permanent(errStopped)
		default:
		}

		mismatch, err := c.doPush(ctx, ops, seqs)
		if err != nil {
			return err // network error: retry with backoff
		}
		if mismatch {
			return backoff.Permanent(errGenerationMismatch)
		}
		return nil
	}, ctxBackoff)
}

func (c *Client) doPush(ctx context.Context, ops []crdt.Op, seqs []int64) (mismatch bool, err error) {
	c.mu.Lock()
	req := pushRequest{ClientID: c.clientID, DatasetGenerationKey: c.datasetGenerationKey, Ops: ops}
	c.mu.Unlock()

	resp, err := c.doRequest(ctx, http.MethodPost, "/sync/push", req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body pushResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, errors.Wrap(apperrors.ErrDecodeError, err.Error())
		}
		c.mu.Lock()
		c.lastServerSeq = body.ServerSeq
		c.mu.Unlock()
		if err := c.store.DropOutbox(ctx, seqs); err != nil {
			c.logger.Error("failed to drop acknowledged outbox entries", map[string]interface{}{"error": err.Error()})
		}
		c.saveState(ctx)
		return false, nil
	case http.StatusConflict:
		var body generationMismatch
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if err := c.store.ClearOutbox(ctx); err != nil {
			c.logger.Error("failed to clear outbox after generation mismatch", map[string]interface{}{"error": err.Error()})
		}
		if berr := c.Bootstrap(ctx); berr != nil {
			c.logger.Warn("re-bootstrap after push conflict failed", map[string]interface{}{"error": berr.Error()})
		}
		return true, nil
	default:
		return false, errors.Errorf("push returned status %d", resp.StatusCode)
	}
}

// pullLoop periodically fetches ops the server has accepted since the
// last-known cursor (spec §4.9 Pull loop).
func (c *Client) pullLoop(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.doPull(ctx); err != nil {
				c.logger.Warn("pull failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (c *Client) doPull(ctx context.Context) error {
	c.mu.Lock()
	clientID, since, generation := c.clientID, c.lastServerSeq, c.datasetGenerationKey
	c.mu.Unlock()

	path := "/sync/pull?clientId=" + clientID +
		"&since=" + strconv.FormatInt(since, 10) + "&datasetGenerationKey=" + generation
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return c.Bootstrap(ctx)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("pull returned status %d", resp.StatusCode)
	}

	var body pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(apperrors.ErrDecodeError, err.Error())
	}

	c.mu.Lock()
	mismatched := c.datasetGenerationKey != "" && body.DatasetGenerationKey != c.datasetGenerationKey
	c.mu.Unlock()
	if mismatched {
		return c.Bootstrap(ctx)
	}

	c.repo.ApplyRemoteOps(ctx, body.Ops)
	c.mu.Lock()
	c.lastServerSeq = body.ServerSeq
	c.datasetGenerationKey = body.DatasetGenerationKey
	c.mu.Unlock()
	c.saveState(ctx)
	return nil
}

// PublishSnapshot pushes a freshly-exported snapshot as the new dataset
// generation (spec §4.9 Snapshot publish, used by import/reset). On
// success the client adopts the new generation key and clears its outbox
// and cursor; a duplicate-key rejection surfaces as ErrPublishError.
func (c *Client) PublishSnapshot(ctx context.Context, snap repository.Snapshot, newGenerationKey string) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(apperrors.ErrDecodeError, err.Error())
	}

	req := resetRequest{ClientID: c.ClientID(), DatasetGenerationKey: newGenerationKey, Snapshot: string(blob)}
	resp, err := c.doRequest(ctx, http.MethodPost, "/sync/reset", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return errors.Wrapf(apperrors.ErrPublishError, "dataset generation key %q already exists", newGenerationKey)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("reset returned status %d", resp.StatusCode)
	}

	if err := c.store.ClearOutbox(ctx); err != nil {
		c.logger.Error("failed to clear outbox after snapshot publish", map[string]interface{}{"error": err.Error()})
	}
	c.mu.Lock()
	c.datasetGenerationKey = newGenerationKey
	c.lastServerSeq = 0
	c.mu.Unlock()
	c.saveState(ctx)
	return nil
}

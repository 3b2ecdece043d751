package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aggregat4/tasklist-sync/internal/crdt"
	"github.com/aggregat4/tasklist-sync/internal/repository"
	"github.com/aggregat4/tasklist-sync/internal/storage"
)

// fakeServer is a minimal in-memory stand-in for the sync server (C10),
// enough to exercise the client's bootstrap/push/pull state machine
// without a real database.
type fakeServer struct {
	mu         sync.Mutex
	generation string
	snapshot   string
	ops        []crdt.Op
	serverSeq  int64
	seen       map[string]bool // dedupe key: actor|clock|scope|resourceId
}

func newFakeServer(generation string) *fakeServer {
	return &fakeServer{generation: generation, seen: map[string]bool{}}
}

func (s *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sync/bootstrap", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(bootstrapResponse{
			DatasetGenerationKey: s.generation,
			Snapshot:             s.snapshot,
			Ops:                  append([]crdt.Op{}, s.ops...),
			ServerSeq:            s.serverSeq,
		})
	})
	mux.HandleFunc("/sync/push", func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if req.DatasetGenerationKey != s.generation {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(generationMismatch{DatasetGenerationKey: s.generation})
			return
		}
		for _, op := range req.Ops {
			key := op.Actor + "|" + strconv.FormatInt(op.Clock, 10) + "|" + string(op.Scope) + "|" + op.ResourceID
			if s.seen[key] {
				continue
			}
			s.seen[key] = true
			s.serverSeq++
			s.ops = append(s.ops, op)
		}
		_ = json.NewEncoder(w).Encode(pushResponse{ServerSeq: s.serverSeq, DatasetGenerationKey: s.generation})
	})
	mux.HandleFunc("/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(pullResponse{
			Ops:                  append([]crdt.Op{}, s.ops...),
			ServerSeq:            s.serverSeq,
			DatasetGenerationKey: s.generation,
		})
	})
	mux.HandleFunc("/sync/reset", func(w http.ResponseWriter, r *http.Request) {
		var req resetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if req.DatasetGenerationKey == s.generation {
			w.WriteHeader(http.StatusConflict)
			return
		}
		s.generation = req.DatasetGenerationKey
		s.snapshot = req.Snapshot
		s.ops = nil
		s.serverSeq = 0
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestClient(t *testing.T, serverURL string) (*Client, *repository.Repository) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repo, err := repository.New(ctx, store, "actor-a")
	require.NoError(t, err)

	c, err := New(ctx, serverURL, store, repo,
		WithPushPollInterval(10*time.Millisecond),
		WithPullInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	return c, repo
}

func TestBootstrapMergesOpsWhenGenerationMatches(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer("gen-1")
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	client, repo := newTestClient(t, ts.URL)
	client.mu.Lock()
	client.datasetGenerationKey = "gen-1"
	client.mu.Unlock()

	remoteStore, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer remoteStore.Close()
	remoteRepo, err := repository.New(ctx, remoteStore, "actor-b")
	require.NoError(t, err)
	listID, err := remoteRepo.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	entries, err := remoteStore.LoadOutbox(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		srv.ops = append(srv.ops, e.Op)
	}
	srv.serverSeq = int64(len(srv.ops))

	require.NoError(t, client.Bootstrap(ctx))
	require.Equal(t, int64(len(srv.ops)), client.lastServerSeq)
	require.Len(t, repo.RegistryView().Lists, 1)
	require.Equal(t, listID, repo.RegistryView().Lists[0].ID)
}

func TestBootstrapReplacesStateOnGenerationMismatch(t *testing.T) {
	ctx := context.Background()

	seedStore, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer seedStore.Close()
	seedRepo, err := repository.New(ctx, seedStore, "actor-b")
	require.NoError(t, err)
	listID, err := seedRepo.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	snap := seedRepo.ExportSnapshotData()
	blob, err := json.Marshal(snap)
	require.NoError(t, err)

	srv := newFakeServer("gen-2")
	srv.snapshot = string(blob)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	client, repo := newTestClient(t, ts.URL)
	require.NoError(t, client.Bootstrap(ctx))

	require.Equal(t, "gen-2", client.datasetGenerationKey)
	view, ok := repo.ListView(listID)
	require.True(t, ok)
	require.Equal(t, "Groceries", repo.RegistryView().Lists[0].Data.Title)
	require.Empty(t, view.Tasks)
}

func TestPushDrainsOutboxAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer("gen-1")
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	client, repo := newTestClient(t, ts.URL)
	client.mu.Lock()
	client.datasetGenerationKey = "gen-1"
	client.mu.Unlock()

	_, err := repo.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)

	client.drainOutbox(ctx, make(chan struct{}))

	require.Equal(t, int64(1), client.lastServerSeq)
	entries, err := client.store.LoadOutbox(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPushConflictTriggersRebootstrap(t *testing.T) {
	ctx := context.Background()

	remoteStore, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer remoteStore.Close()
	remoteRepo, err := repository.New(ctx, remoteStore, "actor-b")
	require.NoError(t, err)
	seedSnap := remoteRepo.ExportSnapshotData()
	seedBlob, err := json.Marshal(seedSnap)
	require.NoError(t, err)

	srv := newFakeServer("gen-1")
	srv.snapshot = string(seedBlob)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	client, repo := newTestClient(t, ts.URL)
	client.mu.Lock()
	client.datasetGenerationKey = "stale-gen"
	client.mu.Unlock()

	_, err = repo.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)

	client.drainOutbox(ctx, make(chan struct{}))

	client.mu.Lock()
	gen := client.datasetGenerationKey
	client.mu.Unlock()
	require.Equal(t, "gen-1", gen)
}

func TestEnableDisableStopsLoopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	srv := newFakeServer("gen-1")
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL)
	require.NoError(t, client.Enable(ctx))
	require.True(t, client.Enabled())

	client.Disable()
	require.False(t, client.Enabled())
}

func TestPublishSnapshotAdoptsNewGeneration(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer("gen-1")
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	client, repo := newTestClient(t, ts.URL)
	client.mu.Lock()
	client.datasetGenerationKey = "gen-1"
	client.mu.Unlock()

	_, err := repo.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	snap := repo.ExportSnapshotData()

	require.NoError(t, client.PublishSnapshot(ctx, snap, "gen-2"))
	require.Equal(t, "gen-2", client.datasetGenerationKey)
	require.Equal(t, int64(0), client.lastServerSeq)

	entries, err := client.store.LoadOutbox(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	err = client.PublishSnapshot(ctx, snap, "gen-2")
	require.Error(t, err)
}

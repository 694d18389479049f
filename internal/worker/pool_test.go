package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoraph/memoraph/internal/journal"
	"github.com/memoraph/memoraph/internal/queue"
	"github.com/memoraph/memoraph/internal/registry"
	"github.com/memoraph/memoraph/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHandler records its invocations and runs a configurable body.
type fakeHandler struct {
	kind    string
	timeout time.Duration
	run     func(ctx context.Context, inv *registry.Invocation) error

	mu    sync.Mutex
	seen  []types.TaskID
	order []string // group ids in processing order
}

func (f *fakeHandler) Kind() string           { return f.kind }
func (f *fakeHandler) Timeout() time.Duration { return f.timeout }

func (f *fakeHandler) Process(ctx context.Context, inv *registry.Invocation) error {
	f.mu.Lock()
	f.seen = append(f.seen, inv.TaskID)
	f.order = append(f.order, inv.GroupID)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, inv)
	}
	return nil
}

func (f *fakeHandler) invocations() []types.TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.TaskID(nil), f.seen...)
}

type fixture struct {
	queue   *queue.Store
	journal journal.Store
	reg     *registry.Registry
	handler *fakeHandler
	pool    *Pool
}

func newFixture(t *testing.T, h *fakeHandler, cfg Config) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.NewStore(rdb)
	j := journal.NewMemory()
	reg := registry.New()
	require.NoError(t, reg.Register(h))

	if cfg.IdleBackoff == 0 {
		cfg.IdleBackoff = 10 * time.Millisecond
	}
	if cfg.LockBackoff == 0 {
		cfg.LockBackoff = 5 * time.Millisecond
	}
	if cfg.StoreRetryDelay == 0 {
		cfg.StoreRetryDelay = 5 * time.Millisecond
	}
	if cfg.StopPollInterval == 0 {
		cfg.StopPollInterval = 10 * time.Millisecond
	}

	return &fixture{
		queue:   q,
		journal: j,
		reg:     reg,
		handler: h,
		pool:    NewPool(cfg, q, j, reg, nil, testLogger()),
	}
}

// submit writes the journal row and envelope the way the producer does.
func (f *fixture) submit(t *testing.T, id, group string, payload map[string]any) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.journal.Create(ctx, &types.Task{
		ID:      types.TaskID(id),
		GroupID: group,
		Kind:    f.handler.kind,
		Status:  types.StatusPending,
		Payload: payload,
	}))
	raw, err := (&types.Envelope{
		TaskID:    types.TaskID(id),
		GroupID:   group,
		Kind:      f.handler.kind,
		Timestamp: time.Now().Unix(),
		Fields:    payload,
	}).Encode()
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(ctx, group, raw))
}

// runPool runs the pool until check passes or the deadline hits.
func runPool(t *testing.T, f *fixture, check func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.pool.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	require.True(t, check(), "condition not reached before shutdown")
}

func taskStatus(t *testing.T, j journal.Store, id string) types.TaskStatus {
	t.Helper()
	task, err := j.FindByID(context.Background(), types.TaskID(id))
	require.NoError(t, err)
	return task.Status
}

func TestPoolProcessesTask(t *testing.T) {
	h := &fakeHandler{kind: "k", timeout: time.Minute}
	f := newFixture(t, h, Config{Workers: 1})
	f.submit(t, "t1", "g1", map[string]any{"key": "value"})

	runPool(t, f, func() bool {
		return taskStatus(t, f.journal, "t1") == types.StatusCompleted
	})

	task, err := f.journal.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotEmpty(t, task.WorkerID)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)

	// queue fully drained: no processing leftovers, group retired
	depth, err := f.queue.ProcessingDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPoolMarksHandlerErrorFailed(t *testing.T) {
	h := &fakeHandler{
		kind: "k", timeout: time.Minute,
		run: func(context.Context, *registry.Invocation) error {
			return errors.New("handler exploded")
		},
	}
	f := newFixture(t, h, Config{Workers: 1})
	f.submit(t, "t1", "g1", nil)

	runPool(t, f, func() bool {
		return taskStatus(t, f.journal, "t1") == types.StatusFailed
	})

	task, _ := f.journal.FindByID(context.Background(), "t1")
	assert.Contains(t, task.Error, "handler exploded")
}

func TestPoolRecoversFromPanic(t *testing.T) {
	h := &fakeHandler{
		kind: "k", timeout: time.Minute,
		run: func(context.Context, *registry.Invocation) error {
			panic("boom")
		},
	}
	f := newFixture(t, h, Config{Workers: 1})
	f.submit(t, "t1", "g1", nil)

	runPool(t, f, func() bool {
		return taskStatus(t, f.journal, "t1") == types.StatusFailed
	})

	task, _ := f.journal.FindByID(context.Background(), "t1")
	assert.Contains(t, task.Error, "handler panic")
}

func TestPoolPreservesGroupOrder(t *testing.T) {
	h := &fakeHandler{kind: "k", timeout: time.Minute}
	// several workers racing over one group must still serialize it
	f := newFixture(t, h, Config{Workers: 4})
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		f.submit(t, id, "g1", nil)
	}

	runPool(t, f, func() bool {
		return len(h.invocations()) == 5 &&
			taskStatus(t, f.journal, "t5") == types.StatusCompleted
	})

	assert.Equal(t, []types.TaskID{"t1", "t2", "t3", "t4", "t5"}, h.invocations())
}

func TestPoolDrainsStoppedTask(t *testing.T) {
	h := &fakeHandler{kind: "k", timeout: time.Minute}
	f := newFixture(t, h, Config{Workers: 1})
	f.submit(t, "t1", "g1", nil)

	// stop before any worker runs
	require.NoError(t, f.journal.UpdateStatus(context.Background(), "t1",
		types.StatusStopped, journal.StatusUpdate{}))

	runPool(t, f, func() bool {
		depth, err := f.queue.ProcessingDepth(context.Background())
		if err != nil {
			return false
		}
		d, err := f.queue.GroupDepth(context.Background(), "g1")
		return err == nil && depth == 0 && d == 0
	})

	// handler never ran, row still stopped
	assert.Empty(t, h.invocations())
	assert.Equal(t, types.StatusStopped, taskStatus(t, f.journal, "t1"))
}

func TestPoolStopCancelsRunningHandler(t *testing.T) {
	started := make(chan struct{})
	h := &fakeHandler{
		kind: "k", timeout: time.Minute,
		run: func(ctx context.Context, _ *registry.Invocation) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	f := newFixture(t, h, Config{Workers: 1})
	f.submit(t, "t1", "g1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.pool.Run(ctx)
		close(done)
	}()

	<-started
	require.NoError(t, f.journal.UpdateStatus(context.Background(), "t1",
		types.StatusStopped, journal.StatusUpdate{}))

	// the watcher must break the handler out well before its one-minute
	// timeout; the drained claim leaves the processing list empty
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		depth, err := f.queue.ProcessingDepth(context.Background())
		if err == nil && depth == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	depth, err := f.queue.ProcessingDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
	// the stop is final: the worker must not overwrite it with failed
	assert.Equal(t, types.StatusStopped, taskStatus(t, f.journal, "t1"))
}

func TestPoolAcksUnknownKind(t *testing.T) {
	h := &fakeHandler{kind: "k", timeout: time.Minute}
	f := newFixture(t, h, Config{Workers: 1})

	// envelope with a kind no handler serves, journal row present
	ctx := context.Background()
	require.NoError(t, f.journal.Create(ctx, &types.Task{
		ID: "t1", GroupID: "g1", Kind: "other", Status: types.StatusPending,
	}))
	raw, err := (&types.Envelope{
		TaskID: "t1", GroupID: "g1", Kind: "other", Timestamp: time.Now().Unix(),
	}).Encode()
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(ctx, "g1", raw))

	runPool(t, f, func() bool {
		return taskStatus(t, f.journal, "t1") == types.StatusFailed
	})

	task, _ := f.journal.FindByID(ctx, "t1")
	assert.Contains(t, task.Error, "unknown task kind")
	depth, _ := f.queue.ProcessingDepth(ctx)
	assert.Zero(t, depth)
}

func TestPoolDropsCorruptEnvelope(t *testing.T) {
	h := &fakeHandler{kind: "k", timeout: time.Minute}
	f := newFixture(t, h, Config{Workers: 1})
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, "g1", []byte("not json")))

	runPool(t, f, func() bool {
		depth, err := f.queue.ProcessingDepth(ctx)
		return err == nil && depth == 0
	})
	assert.Empty(t, h.invocations())
}

func TestPoolParallelGroups(t *testing.T) {
	var mu sync.Mutex
	active := 0
	maxActive := 0

	h := &fakeHandler{kind: "k", timeout: time.Minute}
	h.run = func(ctx context.Context, _ *registry.Invocation) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}

	f := newFixture(t, h, Config{Workers: 3})
	f.submit(t, "t1", "g1", nil)
	f.submit(t, "t2", "g2", nil)
	f.submit(t, "t3", "g3", nil)

	runPool(t, f, func() bool {
		return len(h.invocations()) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, maxActive, 1, "distinct groups should run in parallel")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults(2 * time.Hour)

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 5, cfg.SampleSize)
	assert.Equal(t, 2*time.Hour, cfg.LockTTL) // raised to the longest timeout
	assert.Equal(t, time.Second, cfg.StopPollInterval)
	assert.NotEmpty(t, cfg.WorkerIDPrefix)

	// an explicit TTL below the longest timeout is unsafe and gets raised
	cfg = Config{LockTTL: time.Minute}
	cfg.applyDefaults(time.Hour)
	assert.Equal(t, time.Hour, cfg.LockTTL)
}

func TestShortErrorTruncatesOnRuneBoundary(t *testing.T) {
	assert.Equal(t, "plain", shortError(errors.New("plain")))

	// 3-byte runes straddle the 500-byte cap; the cut must not split one
	long := strings.Repeat("界", 200)
	got := shortError(errors.New(long))
	assert.LessOrEqual(t, len(got), 500)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasPrefix(long, got))
}

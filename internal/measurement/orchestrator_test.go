package measurement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuralogix/dfx-api-client-go/internal/fakeapi"
	"github.com/nuralogix/dfx-api-client-go/internal/session"
	"github.com/nuralogix/dfx-api-client-go/internal/transport"
)

// fakeLifecycle creates measurements directly on the fake API
type fakeLifecycle struct {
	fake *fakeapi.Server

	mu        sync.Mutex
	retrieved []string
}

func (l *fakeLifecycle) CreateSession(ctx context.Context, studyID string, mode session.Mode) (string, error) {
	return l.fake.CreateMeasurement(studyID, mode), nil
}

func (l *fakeLifecycle) RetrieveResults(ctx context.Context, sessionID string) (json.RawMessage, error) {
	l.mu.Lock()
	l.retrieved = append(l.retrieved, sessionID)
	l.mu.Unlock()

	info, _ := l.fake.Measurement(sessionID)
	return json.Marshal(info)
}

type harness struct {
	fake      *fakeapi.Server
	lifecycle *fakeLifecycle
	orch      *Orchestrator
}

type runResult struct {
	uploadErr    error
	subscribeErr error
	subscribed   int
	results      []string
}

func newHarness(t *testing.T, fcfg fakeapi.Config, method transport.Method, plan Plan, mutate func(*Config)) *harness {
	t.Helper()

	fake := fakeapi.New(fcfg, testLogger())
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	tr, err := transport.New(transport.Config{
		Method:      method,
		RESTURL:     srv.URL,
		WSURL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Token:       fake.IssueToken(),
		RecvTimeout: 50 * time.Millisecond,
		HTTPTimeout: 5 * time.Second,
	}, testLogger())
	require.NoError(t, err)

	cfg := Config{
		StudyID:        "study-1",
		Plan:           plan,
		PollInterval:   5 * time.Millisecond,
		SignalInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	lc := &fakeLifecycle{fake: fake}
	orch, err := New(cfg, tr, lc, testMetrics(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	return &harness{fake: fake, lifecycle: lc, orch: orch}
}

// run starts the orchestrator and runs upload, subscription and result
// draining concurrently until all three finish
func (h *harness) run(t *testing.T, chunks []Chunk) runResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, h.orch.Start(ctx))

	var (
		res runResult
		wg  sync.WaitGroup
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		res.subscribed, res.subscribeErr = h.orch.Subscribe(ctx)
	}()
	go func() {
		defer wg.Done()
		res.uploadErr = h.orch.Upload(ctx, chunks)
	}()
	go func() {
		defer wg.Done()
		for r := range h.orch.Results() {
			var doc struct{ MeasurementID string }
			_ = json.Unmarshal(r, &doc)
			res.results = append(res.results, doc.MeasurementID)
		}
	}()
	wg.Wait()

	require.NoError(t, ctx.Err(), "run timed out")
	return res
}

func mustPlan(t *testing.T, mode session.Mode, chunk, video float64) Plan {
	t.Helper()
	p, err := NewPlan(mode, chunk, video)
	require.NoError(t, err)
	return p
}

func TestOrchestratorSingleMeasurement(t *testing.T) {
	for _, method := range []transport.Method{transport.MethodWebSocket, transport.MethodREST} {
		t.Run(string(method), func(t *testing.T) {
			plan := mustPlan(t, session.ModeDiscrete, 15, 60)
			h := newHarness(t, fakeapi.Config{}, method, plan, nil)

			res := h.run(t, NewChunks(payloads(plan.NumChunks), 15, 0))
			require.NoError(t, res.uploadErr)
			require.NoError(t, res.subscribeErr)
			assert.Equal(t, 4, res.subscribed)
			assert.Len(t, res.results, 4)

			assert.Equal(t, 0, h.orch.Rollovers())
			measurements := h.fake.Measurements()
			require.Len(t, measurements, 1)
			assert.Equal(t, []int{0, 1, 2, 3}, measurements[0].ChunkOrders)

			st := h.orch.Status()
			assert.True(t, st.Flags.AddDataDone)
			assert.True(t, st.Flags.SubscribeDone)
			assert.Equal(t, 4, st.ChunksAccepted)
			assert.Nil(t, st.Current, "completed measurement is retired")
			require.Len(t, st.History, 1)
		})
	}
}

func TestOrchestratorActionTags(t *testing.T) {
	plan := mustPlan(t, session.ModeDiscrete, 15, 60)
	h := newHarness(t, fakeapi.Config{}, transport.MethodWebSocket, plan, nil)

	res := h.run(t, NewChunks(payloads(plan.NumChunks), 15, 0))
	require.NoError(t, res.uploadErr)

	var actions []string
	for _, c := range h.fake.DataCalls() {
		actions = append(actions, c.Action)
	}
	assert.Equal(t, []string{"FIRST::PROCESS", "CHUNK::PROCESS", "CHUNK::PROCESS", "LAST::PROCESS"}, actions)
}

func TestOrchestratorRollover(t *testing.T) {
	for _, method := range []transport.Method{transport.MethodWebSocket, transport.MethodREST} {
		t.Run(string(method), func(t *testing.T) {
			plan := mustPlan(t, session.ModeDiscrete, 15, 180)
			require.Equal(t, 1, plan.ExpectedRollovers)
			h := newHarness(t, fakeapi.Config{}, method, plan, nil)

			res := h.run(t, NewChunks(payloads(plan.NumChunks), 15, 0))
			require.NoError(t, res.uploadErr)
			require.NoError(t, res.subscribeErr)
			assert.Equal(t, 12, res.subscribed)
			assert.Equal(t, plan.ExpectedRollovers, h.orch.Rollovers())

			measurements := h.fake.Measurements()
			require.Len(t, measurements, 2)
			first, second := measurements[0], measurements[1]
			assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, first.ChunkOrders)
			assert.Equal(t, []int{8, 9, 10, 11}, second.ChunkOrders)
			assert.Equal(t, "CLOSED", first.Status)

			// chunks 0..7 fill the 120s DISCRETE limit, so chunk 8 (the ninth
			// chunk) is the one rejected and resent unchanged to the new
			// measurement
			var rejected, resent *fakeapi.DataCall
			calls := h.fake.DataCalls()
			for i := range calls {
				if calls[i].Status == http.StatusBadRequest {
					rejected = &calls[i]
					resent = &calls[i+1]
					break
				}
			}
			require.NotNil(t, rejected)
			assert.Equal(t, first.ID, rejected.MeasurementID)
			assert.Equal(t, 8, rejected.ChunkOrder)
			assert.Equal(t, second.ID, resent.MeasurementID)
			assert.Equal(t, 8, resent.ChunkOrder)
			assert.Equal(t, http.StatusOK, resent.Status)

			// every result of the closed measurement precedes the new one's
			require.Len(t, res.results, 12)
			for i, id := range res.results {
				if i < 8 {
					assert.Equal(t, first.ID, id, "result %d", i)
				} else {
					assert.Equal(t, second.ID, id, "result %d", i)
				}
			}

			h.lifecycle.mu.Lock()
			assert.Equal(t, []string{first.ID}, h.lifecycle.retrieved)
			h.lifecycle.mu.Unlock()

			history := h.orch.Registry().History()
			require.Len(t, history, 2)
			assert.Equal(t, 8, history[1].FirstChunkOrder)
		})
	}
}

func TestOrchestratorPreemptiveRollover(t *testing.T) {
	plan := mustPlan(t, session.ModeDiscrete, 15, 180)
	h := newHarness(t, fakeapi.Config{}, transport.MethodWebSocket, plan, func(c *Config) {
		c.PreemptiveRollover = true
	})

	res := h.run(t, NewChunks(payloads(plan.NumChunks), 15, 0))
	require.NoError(t, res.uploadErr)
	require.NoError(t, res.subscribeErr)
	assert.Equal(t, 12, res.subscribed)
	assert.Equal(t, 1, h.orch.Rollovers())

	for _, c := range h.fake.DataCalls() {
		assert.Equal(t, http.StatusOK, c.Status, "no chunk reaches a full measurement")
	}
	assert.Len(t, h.fake.Measurements(), 2)
}

func TestOrchestratorEarlyTermination(t *testing.T) {
	plan := mustPlan(t, session.ModeDiscrete, 15, 60)
	h := newHarness(t, fakeapi.Config{CloseEarlyAfter: 2}, transport.MethodWebSocket, plan, nil)

	res := h.run(t, NewChunks(payloads(plan.NumChunks), 15, 0))
	assert.ErrorIs(t, res.uploadErr, ErrEarlyTermination)
	assert.NoError(t, res.subscribeErr, "the subscriber unwinds quietly")
	assert.LessOrEqual(t, res.subscribed, 2)

	assert.Equal(t, 0, h.orch.Rollovers())
	assert.Len(t, h.fake.Measurements(), 1)

	flags := h.orch.Signals().Snapshot()
	assert.True(t, flags.AddDataDone)
	assert.True(t, flags.SubscribeDone)
}

func TestOrchestratorEarlyTerminationBatch(t *testing.T) {
	plan := mustPlan(t, session.ModeBatch, 15, 180)
	require.Equal(t, 0, plan.ExpectedRollovers)
	h := newHarness(t, fakeapi.Config{CloseEarlyAfter: 10}, transport.MethodWebSocket, plan, nil)

	res := h.run(t, NewChunks(payloads(plan.NumChunks), 15, 0))
	assert.ErrorIs(t, res.uploadErr, ErrEarlyTermination)
	assert.NoError(t, res.subscribeErr)
	assert.LessOrEqual(t, res.subscribed, 10)

	assert.Equal(t, 0, h.orch.Rollovers())
	measurements := h.fake.Measurements()
	require.Len(t, measurements, 1)
	assert.Len(t, measurements[0].ChunkOrders, 10)
}

func TestOrchestratorShortLastChunkPastBudget(t *testing.T) {
	chunks := NewChunks(payloads(5), 25, 20)
	plan, err := PlanForChunks(session.ModeDiscrete, chunks)
	require.NoError(t, err)
	require.Equal(t, 4, plan.MaxChunksPerSession)
	h := newHarness(t, fakeapi.Config{}, transport.MethodWebSocket, plan, nil)

	// 4x25s plus 20s is exactly 120s, so the measurement takes all five
	res := h.run(t, chunks)
	require.NoError(t, res.uploadErr)
	require.NoError(t, res.subscribeErr)
	assert.Equal(t, 5, res.subscribed)
	assert.Len(t, res.results, 5)

	assert.Equal(t, 0, h.orch.Rollovers())
	measurements := h.fake.Measurements()
	require.Len(t, measurements, 1)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, measurements[0].ChunkOrders)
	assert.True(t, h.orch.Signals().Snapshot().SubscribeDone)
}

func TestOrchestratorRejectsBadChunksBeforeSending(t *testing.T) {
	plan := mustPlan(t, session.ModeDiscrete, 15, 60)
	h := newHarness(t, fakeapi.Config{}, transport.MethodWebSocket, plan, nil)
	require.NoError(t, h.orch.Start(context.Background()))

	chunks := NewChunks(payloads(4), 15, 0)
	chunks[1].DurationS = 3

	err := h.orch.Upload(context.Background(), chunks)
	assert.ErrorIs(t, err, ErrChunkDuration)

	err = h.orch.AddChunk(context.Background(), Chunk{Order: 0, DurationS: 3})
	assert.ErrorIs(t, err, ErrChunkDuration)

	err = h.orch.Upload(context.Background(), NewChunks(payloads(3), 15, 0))
	assert.ErrorIs(t, err, ErrChunkOrder)

	assert.Empty(t, h.fake.DataCalls())
}

func TestOrchestratorShutdownIdempotent(t *testing.T) {
	plan := mustPlan(t, session.ModeDiscrete, 15, 60)
	tr := newStubTransport()
	lc := &stubLifecycle{}
	orch, err := New(Config{Plan: plan, SignalInterval: time.Millisecond}, tr, lc, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))

	subscribed := make(chan error, 1)
	go func() {
		_, err := orch.Subscribe(context.Background())
		subscribed <- err
	}()

	require.NoError(t, orch.Shutdown(context.Background()))
	select {
	case err := <-subscribed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	first := orch.Status()

	require.NoError(t, orch.Shutdown(context.Background()))
	second := orch.Status()

	assert.Equal(t, first, second)
	assert.True(t, second.ShutDown)
	assert.True(t, second.Flags.AddDataDone)
	assert.True(t, second.Flags.SubscribeDone)

	tr.mu.Lock()
	assert.Equal(t, 1, tr.closed, "connection is closed exactly once")
	tr.mu.Unlock()

	err = orch.Upload(context.Background(), NewChunks(payloads(plan.NumChunks), 15, 0))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestOrchestratorStartErrors(t *testing.T) {
	plan := mustPlan(t, session.ModeDiscrete, 15, 60)

	_, err := New(Config{}, newStubTransport(), &stubLifecycle{}, nil, testLogger())
	assert.Error(t, err)

	orch, err := New(Config{Plan: plan}, newStubTransport(), &stubLifecycle{fail: true}, nil, testLogger())
	require.NoError(t, err)
	assert.Error(t, orch.Start(context.Background()))

	orch, err = New(Config{Plan: plan}, newStubTransport(), &stubLifecycle{}, nil, testLogger())
	require.NoError(t, err)
	err = orch.Upload(context.Background(), NewChunks(payloads(plan.NumChunks), 15, 0))
	assert.Error(t, err, "upload before start")
	require.NoError(t, orch.Start(context.Background()))
	assert.Error(t, orch.Start(context.Background()))
}

type stubLifecycle struct {
	fail bool

	mu sync.Mutex
	n  int
}

func (l *stubLifecycle) CreateSession(ctx context.Context, studyID string, mode session.Mode) (string, error) {
	if l.fail {
		return "", assert.AnError
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	return "m-" + string(rune('0'+l.n)), nil
}

func (l *stubLifecycle) RetrieveResults(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"streamaudit/internal/domain"
	"streamaudit/internal/integrity"
	"streamaudit/internal/jobs"
	"streamaudit/internal/metrics"
	"streamaudit/internal/recovery"
	"streamaudit/internal/service"
	"streamaudit/internal/stream/memory"
	"streamaudit/internal/workdir"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	srv     *httptest.Server
	svc     *service.Service
	backend *memory.Backend
}

func newFixture(t *testing.T, receiveTimeout time.Duration) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	b := memory.NewBackend(nil)
	log := zaptest.NewLogger(t)
	svc := service.New(service.Options{
		Layout:    workdir.New(t.TempDir()),
		Backend:   b,
		Integrity: integrity.Config{ReceiveTimeout: receiveTimeout},
		Recovery:  recovery.Config{ReceiveTimeout: receiveTimeout, TailTimeout: 20 * time.Millisecond},
		Logger:    log,
		Metrics:   m,
	})
	srv := httptest.NewServer(Routes(NewHandler(svc, log), reg))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return &fixture{srv: srv, svc: svc, backend: b}
}

func (f *fixture) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) seed(t *testing.T, topic string, positions ...string) {
	t.Helper()
	for _, p := range positions {
		require.NoError(t, f.backend.Append(topic, domain.Message{Position: p}))
	}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func waitClosed(t *testing.T, f *fixture, topic string) integrity.Summary {
	t.Helper()
	var sum integrity.Summary
	require.Eventually(t, func() bool {
		var err error
		sum, err = f.svc.Summary(context.Background(), topic)
		return err == nil && sum.Status == integrity.StatusClosed
	}, 3*time.Second, 10*time.Millisecond)
	return sum
}

func TestCheckLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.seed(t, "orders", "1", "2", "1")

	resp := f.do(t, http.MethodPut, "/check-integrity/orders")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job jobResponse
	decode(t, resp, &job)
	assert.Equal(t, "orders", job.Topic)
	assert.NotEmpty(t, job.ID)

	waitClosed(t, f, "orders")

	resp = f.do(t, http.MethodGet, "/check-integrity/orders")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum integrity.Summary
	decode(t, resp, &sum)
	assert.EqualValues(t, 3, sum.Count)
	assert.Equal(t, 1, sum.DuplicatePositions)

	resp = f.do(t, http.MethodGet, "/check-integrity")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []service.CheckStatus
	decode(t, resp, &list)
	assert.Equal(t, []service.CheckStatus{{Topic: "orders", Status: integrity.StatusClosed}}, list)

	resp = f.do(t, http.MethodGet, "/check-integrity/orders/full")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var full struct {
		Summary    integrity.Summary     `json:"summary"`
		Duplicates []map[string][]string `json:"duplicates"`
	}
	decode(t, resp, &full)
	require.Len(t, full.Duplicates, 1)
	assert.Len(t, full.Duplicates[0]["1"], 2)
}

func TestCheckErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	// An empty topic has no last message, so its check waits for the receive timeout.
	f.backend.CreateTopic("busy")
	f.backend.CreateTopic("fresh")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/check-integrity/nope").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/check-integrity/nope").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/check-integrity/a%5Cb").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/check-integrity/fresh").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/check-integrity/fresh").StatusCode)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPut, "/check-integrity/busy").StatusCode)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPut, "/check-integrity/busy").StatusCode)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodGet, "/check-integrity/busy/full").StatusCode)

	resp := f.do(t, http.MethodGet, "/check-integrity/busy")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum integrity.Summary
	decode(t, resp, &sum)
	assert.NotEqual(t, integrity.StatusClosed, sum.Status)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/check-integrity/busy").StatusCode)
	assert.True(t, waitClosed(t, f, "busy").Canceled)
}

func TestRecoveryOverHTTP(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.seed(t, "orders", "1", "2", "3")
	f.backend.CreateTopic("orders-copy")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/recovery/orders").StatusCode, "toTopic is required")
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/recovery/orders?toTopic=orders-copy").StatusCode, "no index yet")
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/recovery/orders").StatusCode, "no monitor yet")
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/recovery/orders").StatusCode)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPut, "/check-integrity/orders").StatusCode)
	waitClosed(t, f, "orders")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/recovery/orders?toTopic=orders").StatusCode)

	resp := f.do(t, http.MethodGet, "/recovery")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var topics []string
	decode(t, resp, &topics)
	assert.Equal(t, []string{"orders"}, topics)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPut, "/recovery/orders?toTopic=orders-copy").StatusCode)
	var mon recovery.Monitor
	require.Eventually(t, func() bool {
		resp, err := http.Get(f.srv.URL + "/recovery/orders")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&mon) != nil {
			return false
		}
		return !mon.Running && mon.EndedAt != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, mon.CopiedPositions)
	assert.Equal(t, 3, f.backend.Len("orders-copy"))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz").StatusCode)

	f.seed(t, "t", "1")
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPut, "/check-integrity/t").StatusCode)
	waitClosed(t, f, "t")

	resp := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "jobs_submitted_total")
}

// failing answers every call with an internal error.
type failing struct{ Service }

var errInternal = errors.New("bolt: database file is corrupt at /var/lib/x")

func (failing) Checks(context.Context) ([]service.CheckStatus, error) { return nil, errInternal }
func (failing) StartCheck(context.Context, string) (*jobs.Handle, error) {
	return nil, jobs.ErrLockTimeout
}

func TestServerErrorsHideDetails(t *testing.T) {
	srv := httptest.NewServer(Routes(NewHandler(failing{}, zaptest.NewLogger(t)), nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/check-integrity")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "corrupt")

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/check-integrity/t", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

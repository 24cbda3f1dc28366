package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apihttp "github.com/artpar/billingd/adapters/http"
	"github.com/artpar/billingd/app"
	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJobs struct {
	ran []string
}

func (s *stubJobs) Run(ctx context.Context, name string) (app.BatchResult, error) {
	if name == "nope" {
		return app.BatchResult{}, fmt.Errorf("run %q: %w", name, app.ErrUnknownCronJob)
	}
	s.ran = append(s.ran, name)
	return app.BatchResult{Job: name, Processed: 3, Succeeded: 2, Failed: 1}, nil
}

type stubRetries struct {
	err error
}

func (s stubRetries) AttemptPayment(ctx context.Context, invoiceID string) (retry.Outcome, error) {
	if s.err != nil {
		return retry.Outcome{}, s.err
	}
	next := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	return retry.Outcome{InvoiceID: invoiceID, AttemptNumber: 1, ErrorCode: "card_declined", NextRetryAt: &next}, nil
}

type stubDocs struct{}

func (stubDocs) Document(ctx context.Context, id string) (string, error) {
	if id == "missing" {
		return "", billing.ErrInvoiceNotFound
	}
	return "invoices/" + id + ".html", nil
}

type stubHealth struct{ err error }

func (s stubHealth) PingContext(ctx context.Context) error { return s.err }

func newServer(t *testing.T, mutate func(*apihttp.Deps)) (*httptest.Server, *stubJobs) {
	t.Helper()
	jobs := &stubJobs{}
	deps := apihttp.Deps{
		Jobs:       jobs,
		Retries:    stubRetries{},
		Documents:  stubDocs{},
		Health:     stubHealth{},
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics\n")) }),
		AdminToken: "secret",
		Version:    "test",
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := httptest.NewServer(apihttp.NewRouter(deps))
	t.Cleanup(srv.Close)
	return srv, jobs
}

func do(t *testing.T, method, url, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadinessUnhealthy(t *testing.T) {
	srv, _ := newServer(t, func(d *apihttp.Deps) { d.Health = stubHealth{err: errors.New("db gone")} })

	resp, body := do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "db gone", body["error"])
}

func TestAdminRequiresToken(t *testing.T) {
	srv, jobs := newServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/admin/jobs/process_retries", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"].(map[string]any)["code"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/admin/jobs/process_retries", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, jobs.ran)
}

func TestAdminOpenWithoutToken(t *testing.T) {
	srv, jobs := newServer(t, func(d *apihttp.Deps) { d.AdminToken = "" })

	resp, _ := do(t, http.MethodPost, srv.URL+"/admin/jobs/check_dunning", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"check_dunning"}, jobs.ran)
}

func TestRunJob(t *testing.T) {
	srv, jobs := newServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/admin/jobs/process_retries", "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"process_retries"}, jobs.ran)
	assert.Equal(t, "process_retries", body["job"])
	assert.EqualValues(t, 3, body["processed"])

	resp, body = do(t, http.MethodPost, srv.URL+"/admin/jobs/nope", "secret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_job", body["error"].(map[string]any)["code"])
}

func TestAttemptPayment(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/admin/invoices/inv-1/attempt", "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "inv-1", body["invoice_id"])
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "card_declined", body["error_code"])
	assert.Equal(t, "2025-03-04T00:00:00Z", body["next_retry_at"])
}

func TestAttemptPaymentErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", billing.ErrInvoiceNotFound, http.StatusNotFound},
		{"already paid", billing.ErrInvoiceAlreadyPaid, http.StatusConflict},
		{"no retry", billing.ErrNoScheduledRetry, http.StatusConflict},
		{"claimed", fmt.Errorf("inv-1: %w", billing.ErrRetryClaimed), http.StatusConflict},
		{"not due", billing.ErrNotDue, http.StatusConflict},
		{"no payment method", billing.ErrNoPaymentMethod, http.StatusUnprocessableEntity},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, func(d *apihttp.Deps) { d.Retries = stubRetries{err: tt.err} })
			resp, _ := do(t, http.MethodPost, srv.URL+"/admin/invoices/inv-1/attempt", "secret")
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestDocument(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/admin/invoices/inv-1/document", "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "invoices/inv-1.html", body["path"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/admin/invoices/missing/document", "secret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

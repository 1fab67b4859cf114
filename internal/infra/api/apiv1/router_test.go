//go:build !integration

package apiv1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screening-engine/internal/domain"
	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/usecase"
	"screening-engine/internal/infra/api"
	"screening-engine/internal/infra/api/apiv1"
)

// fakeService records calls and serves canned answers.
type fakeService struct {
	submitted []usecase.SubmitBatchInput
	submitErr error
	views     map[string]*model.BatchStatusView
	results   map[string][]model.ItemResult
	cancelled []string
	deleted   []string
	cancelErr error
}

func newFakeService() *fakeService {
	return &fakeService{views: map[string]*model.BatchStatusView{}, results: map[string][]model.ItemResult{}}
}

func (f *fakeService) SubmitBatch(ctx context.Context, in usecase.SubmitBatchInput) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, in)
	return "B1", nil
}

func (f *fakeService) GetStatus(ctx context.Context, id string) (*model.BatchStatusView, error) {
	v, ok := f.views[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, domain.ErrNotFound)
	}
	return v, nil
}

func (f *fakeService) GetResults(ctx context.Context, id string) ([]model.ItemResult, error) {
	if _, ok := f.views[id]; !ok {
		return nil, domain.ErrNotFound
	}
	return f.results[id], nil
}

func (f *fakeService) CancelBatch(ctx context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.views[id]; !ok {
		return domain.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeService) DeleteBatch(ctx context.Context, id string) error {
	if _, ok := f.views[id]; !ok {
		return domain.ErrNotFound
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeService) ListActive(ctx context.Context) ([]model.BatchStatusView, error) {
	var out []model.BatchStatusView
	for _, v := range f.views {
		if !v.Status.Terminal() {
			out = append(out, *v)
		}
	}
	return out, nil
}

const secret = "test-secret"

func setup(t *testing.T, svc *fakeService, health func(context.Context) error) (http.Handler, string) {
	t.Helper()
	nop := zerolog.Nop()
	auth := api.NewAuthManager(secret, time.Hour)
	tok, _, err := auth.Mint("tester")
	require.NoError(t, err)
	h := apiv1.NewRouter(svc, apiv1.Options{
		Auth:        auth,
		CORSOrigins: []string{"https://review.example.org"},
		Timeout:     5 * time.Second,
		Health:      health,
	}, &nop)
	return h, tok
}

func do(t *testing.T, h http.Handler, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSubmitBatch(t *testing.T) {
	svc := newFakeService()
	h, tok := setup(t, svc, nil)

	in := usecase.SubmitBatchInput{
		Items:     []model.ItemInput{{ItemID: "a", Prompt: "Title: x"}},
		Selection: model.Selection{Provider: "openai", Model: "gpt-4o-mini"},
	}
	rr := do(t, h, http.MethodPost, "/api/v1/batches", tok, in)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var got struct {
		BatchID string `json:"batch_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "B1", got.BatchID)
	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "Title: x", svc.submitted[0].Items[0].Prompt)
	assert.NotEmpty(t, rr.Header().Get(api.TraceHeader))
}

func TestSubmitBatch_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid argument", fmt.Errorf("no items: %w", domain.ErrInvalidArgument), http.StatusBadRequest},
		{"unknown provider", fmt.Errorf("provider %q: %w", "x", domain.ErrUnknownProvider), http.StatusBadRequest},
		{"duplicate batch", domain.ErrAlreadyExists, http.StatusConflict},
		{"store down", errors.New("dial tcp: refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newFakeService()
			svc.submitErr = tc.err
			h, tok := setup(t, svc, nil)
			rr := do(t, h, http.MethodPost, "/api/v1/batches", tok, usecase.SubmitBatchInput{})
			assert.Equal(t, tc.want, rr.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			if tc.want == http.StatusInternalServerError {
				assert.Equal(t, "internal error", body["error"])
			} else {
				assert.Equal(t, tc.err.Error(), body["error"])
			}
			assert.NotEmpty(t, body["trace_id"])
		})
	}
}

func TestSubmitBatch_MalformedBody(t *testing.T) {
	h, tok := setup(t, newFakeService(), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusResultsCancelDelete(t *testing.T) {
	svc := newFakeService()
	svc.views["B1"] = &model.BatchStatusView{BatchID: "B1", Status: model.BatchProcessing, Total: 2,
		Counts: model.Counts{Completed: 1, Processing: 1}}
	svc.results["B1"] = []model.ItemResult{
		{ItemID: "a", Status: model.ItemCompleted, Label: "INCLUDE", Attempts: 1},
		{ItemID: "b", Status: model.ItemProcessing, Attempts: 1},
	}
	h, tok := setup(t, svc, nil)

	rr := do(t, h, http.MethodGet, "/api/v1/batches/B1", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view model.BatchStatusView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, model.BatchProcessing, view.Status)
	assert.Equal(t, 1, view.Counts.Completed)

	rr = do(t, h, http.MethodGet, "/api/v1/batches/B1/results", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var res struct {
		BatchID string             `json:"batch_id"`
		Results []model.ItemResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Len(t, res.Results, 2)
	assert.Equal(t, "INCLUDE", res.Results[0].Label)

	rr = do(t, h, http.MethodGet, "/api/v1/batches", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"batch_id":"B1"`)

	rr = do(t, h, http.MethodPost, "/api/v1/batches/B1/cancel", tok, nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{"B1"}, svc.cancelled)

	rr = do(t, h, http.MethodDelete, "/api/v1/batches/B1", tok, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"B1"}, svc.deleted)
}

func TestUnknownBatchIs404(t *testing.T) {
	h, tok := setup(t, newFakeService(), nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/batches/nope"},
		{http.MethodGet, "/api/v1/batches/nope/results"},
		{http.MethodPost, "/api/v1/batches/nope/cancel"},
		{http.MethodDelete, "/api/v1/batches/nope"},
	} {
		rr := do(t, h, tc.method, tc.path, tok, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, "%s %s", tc.method, tc.path)
	}
}

func TestEmptyListsRenderAsArrays(t *testing.T) {
	svc := newFakeService()
	svc.views["B2"] = &model.BatchStatusView{BatchID: "B2", Status: model.BatchCompleted}
	h, tok := setup(t, svc, nil)

	rr := do(t, h, http.MethodGet, "/api/v1/batches", tok, nil)
	assert.JSONEq(t, `{"batches":[]}`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/api/v1/batches/B2/results", tok, nil)
	assert.JSONEq(t, `{"batch_id":"B2","results":[]}`, rr.Body.String())
}

func TestAuthRequired(t *testing.T) {
	h, _ := setup(t, newFakeService(), nil)

	rr := do(t, h, http.MethodGet, "/api/v1/batches", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	other, _, err := api.NewAuthManager("other-secret", time.Hour).Mint("mallory")
	require.NoError(t, err)
	rr = do(t, h, http.MethodGet, "/api/v1/batches", other, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h, _ := setup(t, newFakeService(), nil)
	rr := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	down, _ := setup(t, newFakeService(), func(context.Context) error { return errors.New("redis: connection refused") })
	rr = do(t, down, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	h, _ := setup(t, newFakeService(), nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/batches", nil)
	req.Header.Set("Origin", "https://review.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "https://review.example.org", rr.Header().Get("Access-Control-Allow-Origin"))
}

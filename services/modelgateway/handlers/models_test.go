// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/datatypes"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/journal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Setup
// =============================================================================

// mockManager implements modelmanager.Manager with per-method hooks.
// Methods whose hook is nil return empty results.
type mockManager struct {
	listFn      func(ctx context.Context) ([]modelmanager.ModelDescriptor, error)
	pullFn      func(ctx context.Context, ref string, onProgress modelmanager.ProgressFunc) error
	cancelFn    func(ref string) bool
	transfersFn func() []modelmanager.TransferSnapshot
	deleteFn    func(ctx context.Context, ref string) error
	activateFn  func(ctx context.Context, ref string, onProgress modelmanager.EngineProgressFunc) error
	activeFn    func() (string, bool)
	historyFn   func(ctx context.Context, limit int) ([]journal.Record, error)
	statusFn    func(ctx context.Context) modelmanager.ManagerStatus

	invalidated int
}

func (m *mockManager) List(ctx context.Context) ([]modelmanager.ModelDescriptor, error) {
	if m.listFn == nil {
		return nil, nil
	}
	return m.listFn(ctx)
}

func (m *mockManager) InvalidateCatalog() {
	m.invalidated++
}

func (m *mockManager) Pull(ctx context.Context, ref string, onProgress modelmanager.ProgressFunc) error {
	if m.pullFn == nil {
		return nil
	}
	return m.pullFn(ctx, ref, onProgress)
}

func (m *mockManager) CancelPull(ref string) bool {
	if m.cancelFn == nil {
		return false
	}
	return m.cancelFn(ref)
}

func (m *mockManager) Transfers() []modelmanager.TransferSnapshot {
	if m.transfersFn == nil {
		return nil
	}
	return m.transfersFn()
}

func (m *mockManager) Delete(ctx context.Context, ref string) error {
	if m.deleteFn == nil {
		return nil
	}
	return m.deleteFn(ctx, ref)
}

func (m *mockManager) Activate(ctx context.Context, ref string, onProgress modelmanager.EngineProgressFunc) error {
	if m.activateFn == nil {
		return nil
	}
	return m.activateFn(ctx, ref, onProgress)
}

func (m *mockManager) Active() (string, bool) {
	if m.activeFn == nil {
		return "", false
	}
	return m.activeFn()
}

func (m *mockManager) History(ctx context.Context, limit int) ([]journal.Record, error) {
	if m.historyFn == nil {
		return nil, nil
	}
	return m.historyFn(ctx, limit)
}

func (m *mockManager) Status(ctx context.Context) modelmanager.ManagerStatus {
	if m.statusFn == nil {
		return modelmanager.ManagerStatus{}
	}
	return m.statusFn(ctx)
}

func (m *mockManager) Close(ctx context.Context) error {
	return nil
}

var _ modelmanager.Manager = (*mockManager)(nil)

// performJSON runs one request through the router, encoding body as JSON
// when non-nil.
func performJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// decodeJSON unmarshals a recorded response body into out.
func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out),
		"response should be valid JSON: %s", w.Body.String())
}

// =============================================================================
// ListModels Tests
// =============================================================================

// TestListModels_ReturnsCatalog verifies the happy path returns every
// descriptor with a count.
func TestListModels_ReturnsCatalog(t *testing.T) {
	m := &mockManager{
		listFn: func(ctx context.Context) ([]modelmanager.ModelDescriptor, error) {
			return []modelmanager.ModelDescriptor{
				{ID: "llama3:8b", Provider: "ollama", Kind: modelmanager.KindChat, Installed: true},
				{ID: "nomic-embed-text:latest", Provider: "ollama", Kind: modelmanager.KindEmbedding},
			}, nil
		},
	}
	router := gin.New()
	router.GET("/v1/models", ListModels(m))

	w := performJSON(t, router, http.MethodGet, "/v1/models", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.ModelsResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "llama3:8b", resp.Models[0].ID)
	assert.True(t, resp.Models[0].Installed)
	assert.Zero(t, m.invalidated, "plain list must not drop the catalog cache")
}

// TestListModels_RefreshBustsCache verifies that ?refresh=true drops the
// catalog cache before listing, and only the exact value "true" does.
func TestListModels_RefreshBustsCache(t *testing.T) {
	m := &mockManager{}
	router := gin.New()
	router.GET("/v1/models", ListModels(m))

	w := performJSON(t, router, http.MethodGet, "/v1/models?refresh=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, m.invalidated)

	w = performJSON(t, router, http.MethodGet, "/v1/models?refresh=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, m.invalidated)
}

// TestListModels_ProviderUnreachable verifies that a connection failure
// surfaces as 502 with the manager's error code.
func TestListModels_ProviderUnreachable(t *testing.T) {
	m := &mockManager{
		listFn: func(ctx context.Context) ([]modelmanager.ModelDescriptor, error) {
			return nil, &modelmanager.ModelError{
				Type:    modelmanager.ModelErrorConnectionFailed,
				Message: "cannot reach Ollama",
			}
		},
	}
	router := gin.New()
	router.GET("/v1/models", ListModels(m))

	w := performJSON(t, router, http.MethodGet, "/v1/models", nil)

	require.Equal(t, http.StatusBadGateway, w.Code)
	var resp datatypes.ErrorResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "CONNECTION_FAILED", resp.Code)
	assert.Equal(t, "cannot reach Ollama", resp.Error)
}

// =============================================================================
// DeleteModel Tests
// =============================================================================

// TestDeleteModel_Success verifies a delete round-trip.
func TestDeleteModel_Success(t *testing.T) {
	var deleted string
	m := &mockManager{
		deleteFn: func(ctx context.Context, ref string) error {
			deleted = ref
			return nil
		},
	}
	router := gin.New()
	router.DELETE("/v1/models", DeleteModel(m))

	w := performJSON(t, router, http.MethodDelete, "/v1/models",
		datatypes.DeleteRequest{Model: "llama3:8b"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "llama3:8b", deleted)

	var resp datatypes.ActionResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "deleted", resp.Action)
	assert.Equal(t, "llama3:8b", resp.Model)
}

// TestDeleteModel_InvalidBody verifies 400 on unparseable JSON.
func TestDeleteModel_InvalidBody(t *testing.T) {
	router := gin.New()
	router.DELETE("/v1/models", DeleteModel(&mockManager{}))

	req, _ := http.NewRequest(http.MethodDelete, "/v1/models", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestDeleteModel_BadRef verifies 400 for reference strings the gateway
// refuses to forward.
func TestDeleteModel_BadRef(t *testing.T) {
	router := gin.New()
	router.DELETE("/v1/models", DeleteModel(&mockManager{}))

	w := performJSON(t, router, http.MethodDelete, "/v1/models",
		datatypes.DeleteRequest{Model: "../../etc/passwd"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestDeleteModel_NotFound verifies 404 when the manager reports an
// unknown model.
func TestDeleteModel_NotFound(t *testing.T) {
	m := &mockManager{
		deleteFn: func(ctx context.Context, ref string) error {
			return &modelmanager.ModelError{
				Type:    modelmanager.ModelErrorNotFound,
				Model:   ref,
				Message: "model not installed",
			}
		},
	}
	router := gin.New()
	router.DELETE("/v1/models", DeleteModel(m))

	w := performJSON(t, router, http.MethodDelete, "/v1/models",
		datatypes.DeleteRequest{Model: "ghost:latest"})

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp datatypes.ErrorResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "MODEL_NOT_FOUND", resp.Code)
}

// =============================================================================
// CancelPull Tests
// =============================================================================

// TestCancelPull_Accepted verifies 202 when a transfer was found.
func TestCancelPull_Accepted(t *testing.T) {
	var cancelled string
	m := &mockManager{
		cancelFn: func(ref string) bool {
			cancelled = ref
			return true
		},
	}
	router := gin.New()
	router.POST("/v1/models/pull/cancel", CancelPull(m))

	w := performJSON(t, router, http.MethodPost, "/v1/models/pull/cancel",
		datatypes.CancelRequest{Model: "llama3:8b"})

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "llama3:8b", cancelled)

	var resp datatypes.ActionResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "cancel_requested", resp.Action)
}

// TestCancelPull_NoTransfer verifies 404 when nothing is in flight.
func TestCancelPull_NoTransfer(t *testing.T) {
	router := gin.New()
	router.POST("/v1/models/pull/cancel", CancelPull(&mockManager{}))

	w := performJSON(t, router, http.MethodPost, "/v1/models/pull/cancel",
		datatypes.CancelRequest{Model: "llama3:8b"})

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp datatypes.ErrorResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "MODEL_NOT_FOUND", resp.Code)
	assert.NotEmpty(t, resp.Remediation)
}

// =============================================================================
// ListTransfers Tests
// =============================================================================

// TestListTransfers_ReturnsSnapshots verifies transfers pass through
// with a count.
func TestListTransfers_ReturnsSnapshots(t *testing.T) {
	m := &mockManager{
		transfersFn: func() []modelmanager.TransferSnapshot {
			return []modelmanager.TransferSnapshot{
				{ID: "t1", ModelID: "llama3:8b", Provider: "ollama", Phase: modelmanager.PhaseTransferring, Percent: 40},
			}
		},
	}
	router := gin.New()
	router.GET("/v1/models/transfers", ListTransfers(m))

	w := performJSON(t, router, http.MethodGet, "/v1/models/transfers", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.TransfersResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Transfers, 1)
	assert.Equal(t, "llama3:8b", resp.Transfers[0].ModelID)
}

// TestListTransfers_EmptyIsNotNullCount verifies an idle gateway reports
// zero without erroring.
func TestListTransfers_EmptyIsNotNullCount(t *testing.T) {
	router := gin.New()
	router.GET("/v1/models/transfers", ListTransfers(&mockManager{}))

	w := performJSON(t, router, http.MethodGet, "/v1/models/transfers", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.TransfersResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, 0, resp.Count)
}

// =============================================================================
// ActivateModel Tests
// =============================================================================

// TestActivateModel_Success verifies activation reports the engine's
// resulting binding.
func TestActivateModel_Success(t *testing.T) {
	var activated string
	m := &mockManager{
		activateFn: func(ctx context.Context, ref string, onProgress modelmanager.EngineProgressFunc) error {
			activated = ref
			if onProgress != nil {
				onProgress("loading", 50)
				onProgress("ready", 100)
			}
			return nil
		},
		activeFn: func() (string, bool) {
			return "llama3:8b", true
		},
	}
	router := gin.New()
	router.POST("/v1/models/activate", ActivateModel(m, nil))

	w := performJSON(t, router, http.MethodPost, "/v1/models/activate",
		datatypes.ActivateRequest{Model: "llama3:8b"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "llama3:8b", activated)

	var resp datatypes.ActiveResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "llama3:8b", resp.Model)
	assert.True(t, resp.Loaded)
}

// TestActivateModel_NotInstalled verifies 404 for a model the catalog
// does not have.
func TestActivateModel_NotInstalled(t *testing.T) {
	m := &mockManager{
		activateFn: func(ctx context.Context, ref string, onProgress modelmanager.EngineProgressFunc) error {
			return &modelmanager.ModelError{
				Type:        modelmanager.ModelErrorNotFound,
				Model:       ref,
				Message:     "model is not installed",
				Remediation: "Pull the model first.",
			}
		},
	}
	router := gin.New()
	router.POST("/v1/models/activate", ActivateModel(m, nil))

	w := performJSON(t, router, http.MethodPost, "/v1/models/activate",
		datatypes.ActivateRequest{Model: "ghost:latest"})

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp datatypes.ErrorResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "MODEL_NOT_FOUND", resp.Code)
	assert.Equal(t, "Pull the model first.", resp.Remediation)
}

// TestActivateModel_EngineFailure verifies 500 when the engine cannot be
// created.
func TestActivateModel_EngineFailure(t *testing.T) {
	m := &mockManager{
		activateFn: func(ctx context.Context, ref string, onProgress modelmanager.EngineProgressFunc) error {
			return &modelmanager.ModelError{
				Type:    modelmanager.ModelErrorEngineCreation,
				Message: "engine recreation failed",
			}
		},
	}
	router := gin.New()
	router.POST("/v1/models/activate", ActivateModel(m, nil))

	w := performJSON(t, router, http.MethodPost, "/v1/models/activate",
		datatypes.ActivateRequest{Model: "llama3:8b"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// TestActivateModel_InvalidBody verifies 400 on garbage input.
func TestActivateModel_InvalidBody(t *testing.T) {
	router := gin.New()
	router.POST("/v1/models/activate", ActivateModel(&mockManager{}, nil))

	req, _ := http.NewRequest(http.MethodPost, "/v1/models/activate", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// ActiveModel Tests
// =============================================================================

// TestActiveModel_Loaded verifies the bound-engine report.
func TestActiveModel_Loaded(t *testing.T) {
	m := &mockManager{
		activeFn: func() (string, bool) { return "llama3:8b", true },
	}
	router := gin.New()
	router.GET("/v1/models/active", ActiveModel(m))

	w := performJSON(t, router, http.MethodGet, "/v1/models/active", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.ActiveResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "llama3:8b", resp.Model)
	assert.True(t, resp.Loaded)
}

// TestActiveModel_Unloaded verifies the empty binding shape.
func TestActiveModel_Unloaded(t *testing.T) {
	router := gin.New()
	router.GET("/v1/models/active", ActiveModel(&mockManager{}))

	w := performJSON(t, router, http.MethodGet, "/v1/models/active", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.ActiveResponse
	decodeJSON(t, w, &resp)
	assert.Empty(t, resp.Model)
	assert.False(t, resp.Loaded)
}

// =============================================================================
// PullHistory Tests
// =============================================================================

// TestPullHistory_DefaultLimit verifies the manager receives limit 0
// when the query parameter is absent.
func TestPullHistory_DefaultLimit(t *testing.T) {
	var gotLimit = -1
	m := &mockManager{
		historyFn: func(ctx context.Context, limit int) ([]journal.Record, error) {
			gotLimit = limit
			return []journal.Record{
				{Seq: 2, ModelID: "llama3:8b", Action: journal.ActionPull, Outcome: journal.OutcomeSucceeded, StartedAt: time.Now()},
			}, nil
		},
	}
	router := gin.New()
	router.GET("/v1/models/history", PullHistory(m))

	w := performJSON(t, router, http.MethodGet, "/v1/models/history", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, gotLimit)

	var resp datatypes.HistoryResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, 1, resp.Count)
}

// TestPullHistory_ExplicitLimit verifies ?limit= reaches the manager.
func TestPullHistory_ExplicitLimit(t *testing.T) {
	var gotLimit int
	m := &mockManager{
		historyFn: func(ctx context.Context, limit int) ([]journal.Record, error) {
			gotLimit = limit
			return nil, nil
		},
	}
	router := gin.New()
	router.GET("/v1/models/history", PullHistory(m))

	w := performJSON(t, router, http.MethodGet, "/v1/models/history?limit=7", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, gotLimit)
}

// TestPullHistory_InvalidLimit verifies 400 for junk limits.
func TestPullHistory_InvalidLimit(t *testing.T) {
	router := gin.New()
	router.GET("/v1/models/history", PullHistory(&mockManager{}))

	for _, limit := range []string{"abc", "-3", "1.5"} {
		w := performJSON(t, router, http.MethodGet, "/v1/models/history?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit %q should be rejected", limit)
	}
}

// =============================================================================
// Health and Status Tests
// =============================================================================

// TestHealthCheck_AlwaysHealthy verifies the liveness probe never
// consults providers.
func TestHealthCheck_AlwaysHealthy(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	w := performJSON(t, router, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	decodeJSON(t, w, &resp)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "modelgateway", resp["service"])
}

// TestManagerStatus_ReportsComposite verifies the status handler passes
// the manager's composite report through.
func TestManagerStatus_ReportsComposite(t *testing.T) {
	m := &mockManager{
		statusFn: func(ctx context.Context) modelmanager.ManagerStatus {
			return modelmanager.ManagerStatus{
				ActiveModel:  "llama3:8b",
				EngineLoaded: true,
				Journal:      journal.Stats{LastSeq: 12, Appends: 3},
			}
		},
	}
	router := gin.New()
	router.GET("/v1/models/status", ManagerStatus(m))

	w := performJSON(t, router, http.MethodGet, "/v1/models/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp modelmanager.ManagerStatus
	decodeJSON(t, w, &resp)
	assert.Equal(t, "llama3:8b", resp.ActiveModel)
	assert.True(t, resp.EngineLoaded)
}

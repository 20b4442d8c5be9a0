package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cartscout/backend/config"
	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/infrastructure/assistant"
	"github.com/cartscout/backend/internal/infrastructure/cache"
	"github.com/cartscout/backend/internal/infrastructure/session"
	"github.com/cartscout/backend/internal/metrics"
	"github.com/cartscout/backend/internal/usecase"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestMain sets up test environment before running tests
func TestMain(m *testing.M) {
	// Set Gin to test mode once for all tests
	gin.SetMode(gin.TestMode)

	os.Exit(m.Run())
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:           "8080",
			Environment:    "test",
			AllowedOrigins: []string{"http://localhost:*"},
		},
		Cache:   config.CacheConfig{Type: "memory"},
		Session: config.SessionConfig{Type: "memory"},
	}
}

// mockConversations is a mock implementation of ConversationService
type mockConversations struct {
	outcome   *domain.TurnOutcome
	err       error
	resetErr  error
	lastID    string
	lastMsg   string
	resets    []string
	turnCalls int
}

func (m *mockConversations) HandleTurn(ctx context.Context, sessionID, message string) (*domain.TurnOutcome, error) {
	m.turnCalls++
	m.lastID, m.lastMsg = sessionID, message
	if m.err != nil {
		return nil, m.err
	}
	if m.outcome != nil {
		return m.outcome, nil
	}
	return &domain.TurnOutcome{SessionID: sessionID, Kind: domain.OutcomeAskMore, State: domain.StateCollecting, Reply: "What product?"}, nil
}

func (m *mockConversations) Reset(ctx context.Context, sessionID string) error {
	m.resets = append(m.resets, sessionID)
	return m.resetErr
}

// mockAggregator is a mock implementation of domain.Aggregator
type mockAggregator struct {
	result    *domain.AggregatedResult
	err       error
	lastQuery domain.Query
}

func (m *mockAggregator) Aggregate(ctx context.Context, q domain.Query) (*domain.AggregatedResult, error) {
	m.lastQuery = q
	return m.result, m.err
}

func (m *mockAggregator) Sources() []string { return []string{"amazon", "flipkart"} }

func setupTestRouter(conv ConversationService, agg domain.Aggregator) *gin.Engine {
	return SetupRouter(testConfig(), NewHandler(conv, agg, nil), nil)
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (%s)", err, w.Body.String())
	}
	return response
}

// TestHealthCheckEndpoint tests the health check endpoint
func TestHealthCheckEndpoint(t *testing.T) {
	t.Run("returns healthy status", func(t *testing.T) {
		router := setupTestRouter(nil, &mockAggregator{})

		w := doJSON(router, "GET", "/health", "")
		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
		}

		response := decodeBody(t, w)
		if response["status"] != "healthy" {
			t.Errorf("status = %v, want healthy", response["status"])
		}
		if response["service"] != "cartscout-backend" {
			t.Errorf("service = %v, want cartscout-backend", response["service"])
		}
		assert.Equal(t, []interface{}{"amazon", "flipkart"}, response["sources"])
	})

	t.Run("accepts GET requests only", func(t *testing.T) {
		router := setupTestRouter(nil, nil)

		for _, method := range []string{"POST", "PUT", "DELETE", "PATCH"} {
			w := doJSON(router, method, "/health", "")
			if w.Code != http.StatusNotFound {
				t.Errorf("Method %s: Status = %d, want %d", method, w.Code, http.StatusNotFound)
			}
		}
	})
}

func TestCreateSessionEndpoint(t *testing.T) {
	router := setupTestRouter(&mockConversations{}, nil)

	w := doJSON(router, "POST", "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)

	id, ok := decodeBody(t, w)["sessionId"].(string)
	require.True(t, ok)
	assert.Len(t, id, 36)
}

func TestTurnEndpoint(t *testing.T) {
	t.Run("passes message to the tracker", func(t *testing.T) {
		conv := &mockConversations{}
		router := setupTestRouter(conv, nil)

		w := doJSON(router, "POST", "/api/v1/sessions/s-1/turns", `{"message":"  earphones under 2000 "}`)
		require.Equal(t, http.StatusOK, w.Code)

		assert.Equal(t, "s-1", conv.lastID)
		assert.Equal(t, "earphones under 2000", conv.lastMsg)
		response := decodeBody(t, w)
		assert.Equal(t, "ask_more", response["kind"])
		assert.Equal(t, "COLLECTING", response["state"])
	})

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCalls  int
	}{
		{name: "missing body", body: "", wantStatus: http.StatusBadRequest},
		{name: "empty message", body: `{"message":"   "}`, wantStatus: http.StatusBadRequest},
		{name: "message too long", body: fmt.Sprintf(`{"message":"%s"}`, strings.Repeat("a", maxMessageLen+1)), wantStatus: http.StatusBadRequest},
		{name: "invalid query", body: `{"message":"x"}`, err: fmt.Errorf("%w: empty session id", domain.ErrInvalidQuery), wantStatus: http.StatusBadRequest, wantCalls: 1},
		{name: "capability unavailable", body: `{"message":"x"}`, err: fmt.Errorf("%w: session store", domain.ErrCapabilityUnavailable), wantStatus: http.StatusServiceUnavailable, wantCalls: 1},
		{name: "unexpected error", body: `{"message":"x"}`, err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &mockConversations{err: tt.err}
			router := setupTestRouter(conv, nil)

			w := doJSON(router, "POST", "/api/v1/sessions/s-1/turns", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			assert.Equal(t, tt.wantCalls, conv.turnCalls)
			assert.Contains(t, decodeBody(t, w), "error")
		})
	}

	t.Run("not configured", func(t *testing.T) {
		router := setupTestRouter(nil, nil)

		w := doJSON(router, "POST", "/api/v1/sessions/s-1/turns", `{"message":"hi"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestResetEndpoint(t *testing.T) {
	conv := &mockConversations{}
	router := setupTestRouter(conv, nil)

	w := doJSON(router, "DELETE", "/api/v1/sessions/s-9", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"s-9"}, conv.resets)

	conv.resetErr = fmt.Errorf("%w: redis down", domain.ErrCapabilityUnavailable)
	w = doJSON(router, "DELETE", "/api/v1/sessions/s-9", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSearchEndpoint(t *testing.T) {
	query := domain.Query{Keywords: []string{"earphones"}}
	complete := domain.NewAggregatedResult(query)
	complete.Items = []domain.ProductRecord{{SourceID: "amazon", ExternalID: "a1", Title: "JBL", Price: 1299}}
	complete.SourcesSucceeded = []string{"amazon", "flipkart"}

	partial := domain.NewAggregatedResult(query)
	partial.Items = complete.Items
	partial.SourcesSucceeded = []string{"amazon"}
	partial.SourcesFailed["flipkart"] = domain.ReasonTimeout

	noData := domain.NewAggregatedResult(query)
	noData.SourcesFailed["amazon"] = domain.ReasonUnavailable

	tests := []struct {
		name        string
		body        string
		result      *domain.AggregatedResult
		err         error
		wantStatus  int
		wantState   string
		wantWarning string
	}{
		{name: "complete", body: `{"query":"earphones","maxPrice":2000}`, result: complete, wantStatus: http.StatusOK, wantState: "complete"},
		{name: "partial", body: `{"keywords":["earphones"]}`, result: partial, wantStatus: http.StatusOK, wantState: "partial", wantWarning: "partial data"},
		{name: "no data", body: `{"keywords":["earphones"]}`, result: noData, err: domain.ErrNoDataAvailable, wantStatus: http.StatusOK, wantState: "no_data", wantWarning: "no data available"},
		{name: "invalid query", body: `{"keywords":[]}`, err: fmt.Errorf("%w: keywords must not be empty", domain.ErrInvalidQuery), wantStatus: http.StatusBadRequest},
		{name: "malformed body", body: `{"keywords":`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := &mockAggregator{result: tt.result, err: tt.err}
			router := setupTestRouter(nil, agg)

			w := doJSON(router, "POST", "/api/v1/search", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantState == "" {
				return
			}

			var resp SearchResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, domain.ResultStatus(tt.wantState), resp.Status)
			assert.Equal(t, tt.wantWarning, resp.Warning)
			require.NotNil(t, resp.Result)
		})
	}

	t.Run("builds the query", func(t *testing.T) {
		agg := &mockAggregator{result: complete}
		router := setupTestRouter(nil, agg)

		w := doJSON(router, "POST", "/api/v1/search", `{"query":"wireless","keywords":["earbuds"],"category":"earphone","maxPrice":1500,"sources":["amazon"]}`)
		require.Equal(t, http.StatusOK, w.Code)

		assert.Equal(t, []string{"wireless", "earbuds"}, agg.lastQuery.Keywords)
		assert.Equal(t, "earphone", agg.lastQuery.Category)
		assert.Equal(t, 1500.0, *agg.lastQuery.MaxPrice)
		assert.Equal(t, []string{"amazon"}, agg.lastQuery.RequestedSources)
	})
}

// TestCORSIntegration tests CORS headers work end-to-end with full router
func TestCORSIntegration(t *testing.T) {
	router := setupTestRouter(&mockConversations{}, nil)

	req := httptest.NewRequest("POST", "/api/v1/sessions/s-1/turns", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:3000")
	}
}

// TestRecoveryMiddleware tests panic recovery
func TestRecoveryMiddleware(t *testing.T) {
	router := setupTestRouter(nil, nil)
	router.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	w := doJSON(router, "GET", "/panic", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveTurn(string(domain.OutcomeResults))

	router := SetupRouter(testConfig(), NewHandler(nil, nil, nil), reg)

	w := doJSON(router, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `cartscout_conversation_turns_total{kind="results"} 1`)
}

// stubSource answers every query with fixed products
type stubSource struct {
	id    string
	items []domain.ProductRecord
}

func (s *stubSource) ID() string { return s.id }

func (s *stubSource) Fetch(ctx context.Context, q domain.Query) ([]domain.ProductRecord, error) {
	return s.items, nil
}

// TestConversationFlow runs two turns through the real tracker and aggregator
func TestConversationFlow(t *testing.T) {
	log := zaptest.NewLogger(t)
	sources := []domain.SourceAdapter{
		&stubSource{id: "amazon", items: []domain.ProductRecord{
			{ExternalID: "a1", Title: "JBL Tune 230NC", Price: 1799, Rating: domain.Float(4.2)},
			{ExternalID: "a2", Title: "Sony WH-1000XM5", Price: 26990, Rating: domain.Float(4.6)},
		}},
		&stubSource{id: "flipkart", items: []domain.ProductRecord{
			{ExternalID: "f1", Title: "boAt Airdopes 141", Price: 1299, Rating: domain.Float(4.0)},
		}},
	}
	agg := usecase.NewAggregationService(sources, cache.NewMemoryCache(), usecase.AggregatorConfig{SourceTimeout: time.Second}, nil, log)
	tracker := usecase.NewConversationTracker(
		session.NewMemoryStore(),
		assistant.NewRuleAssistant(agg.Sources(), log),
		agg,
		usecase.TrackerConfig{},
		nil,
		log,
	)
	router := SetupRouter(testConfig(), NewHandler(tracker, agg, log), nil)

	w := doJSON(router, "POST", "/api/v1/sessions/flow-1/turns", `{"message":"I want earphones under 2000"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var outcome domain.TurnOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.Equal(t, domain.OutcomeResults, outcome.Kind)
	assert.Equal(t, domain.StateResultsPresented, outcome.State)
	require.NotNil(t, outcome.Result)
	require.Len(t, outcome.Result.Items, 2)
	assert.Equal(t, "f1", outcome.Result.Items[0].ExternalID)
	assert.Equal(t, "a1", outcome.Result.Items[1].ExternalID)

	w = doJSON(router, "POST", "/api/v1/sessions/flow-1/turns", `{"message":"which one is better?"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	outcome = domain.TurnOutcome{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.Equal(t, domain.OutcomeComparison, outcome.Kind)
	assert.Equal(t, domain.StateComparing, outcome.State)
	require.NotNil(t, outcome.Comparison)
	assert.Len(t, outcome.Comparison.Ranked, 2)
	assert.NotEmpty(t, outcome.Reply)
}

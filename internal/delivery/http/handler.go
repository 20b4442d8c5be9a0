package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	serviceName    = "cartscout-backend"
	serviceVersion = "1.0.0"
	maxMessageLen  = 2000
)

// ConversationService drives multi-turn sessions
type ConversationService interface {
	HandleTurn(ctx context.Context, sessionID, message string) (*domain.TurnOutcome, error)
	Reset(ctx context.Context, sessionID string) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	conversations ConversationService
	aggregator    domain.Aggregator
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler. Nil services make their endpoints answer 503.
func NewHandler(conversations ConversationService, aggregator domain.Aggregator, log *zap.Logger) *Handler {
	return &Handler{
		conversations: conversations,
		aggregator:    aggregator,
		logger:        logger.OrNop(log),
	}
}

// TurnRequest is the body of POST /api/v1/sessions/:id/turns
type TurnRequest struct {
	Message string `json:"message" binding:"required"`
}

// SearchRequest is the body of POST /api/v1/search
type SearchRequest struct {
	Query    string   `json:"query"`
	Keywords []string `json:"keywords"`
	Category string   `json:"category"`
	MaxPrice *float64 `json:"maxPrice"`
	Sources  []string `json:"sources"`
}

// SearchResponse wraps an aggregated result with its completeness
type SearchResponse struct {
	Status  domain.ResultStatus      `json:"status"`
	Result  *domain.AggregatedResult `json:"result"`
	Warning string                   `json:"warning,omitempty"`
}

// HealthCheck returns the health status of the API
func (h *Handler) HealthCheck(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"service": serviceName,
		"version": serviceVersion,
	}
	if h.aggregator != nil {
		resp["sources"] = h.aggregator.Sources()
	}
	c.JSON(http.StatusOK, resp)
}

// CreateSession hands out a fresh session id. Sessions themselves are created on the first turn.
func (h *Handler) CreateSession(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"sessionId": uuid.NewString()})
}

// HandleTurn processes one user message within a session
func (h *Handler) HandleTurn(c *gin.Context) {
	if h.conversations == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "conversation service not configured"})
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if len(message) > maxMessageLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is too long"})
		return
	}

	outcome, err := h.conversations.HandleTurn(c.Request.Context(), sessionID, message)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// ResetSession forgets a session
func (h *Handler) ResetSession(c *gin.Context) {
	if h.conversations == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "conversation service not configured"})
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	if err := h.conversations.Reset(c.Request.Context(), sessionID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "status": "reset"})
}

// Search runs one aggregation outside any conversation
func (h *Handler) Search(c *gin.Context) {
	if h.aggregator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "aggregator not configured"})
		return
	}

	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	keywords := req.Keywords
	if q := strings.TrimSpace(req.Query); q != "" {
		keywords = append([]string{q}, keywords...)
	}
	query := domain.Query{
		Keywords:         keywords,
		MaxPrice:         req.MaxPrice,
		Category:         req.Category,
		RequestedSources: req.Sources,
	}

	result, err := h.aggregator.Aggregate(c.Request.Context(), query)
	if err != nil && !errors.Is(err, domain.ErrNoDataAvailable) {
		h.writeError(c, err)
		return
	}

	resp := SearchResponse{Status: result.Status(), Result: result}
	if warn := result.Err(); warn != nil {
		resp.Warning = warn.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	switch {
	case errors.Is(err, domain.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrCapabilityUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

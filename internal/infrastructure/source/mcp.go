package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	mcpToolName          = "search_products"
	jsonRPCInvalidParams = -32602
)

// MCPConfig configures a retailer reached through an MCP scraper service
type MCPConfig struct {
	ID        string
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Burst     int
}

// MCPClient calls the search_products tool of an MCP scraper over JSON-RPC 2.0
type MCPClient struct {
	id          string
	endpoint    string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *zap.Logger
	now         func() time.Time
}

// NewMCPClient creates a new MCP source adapter
func NewMCPClient(cfg MCPConfig, log *zap.Logger) *MCPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &MCPClient{
		id:       cfg.ID,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/mcp",
		httpClient: &http.Client{
			Timeout: timeout,
		},
		rateLimiter: newLimiter(cfg.RateLimit, cfg.Burst),
		logger:      logger.OrNop(log).With(zap.String("source", cfg.ID)),
		now:         time.Now,
	}
}

func (c *MCPClient) ID() string {
	return c.id
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result   json.RawMessage `json:"result"`
	Error    *rpcError       `json:"error"`
	Products []mcpProduct    `json:"products"`
}

type searchResult struct {
	Query    string       `json:"query"`
	Count    int          `json:"count"`
	Products []mcpProduct `json:"products"`
}

type mcpProduct struct {
	Name      string      `json:"name"`
	Price     string      `json:"price"`
	PriceNum  float64     `json:"price_num"`
	Rating    interface{} `json:"rating"`
	URL       string      `json:"url"`
	ASIN      string      `json:"asin"`
	ProductID string      `json:"product_id"`
	ID        string      `json:"id"`
}

// Fetch runs one search against the MCP service.
func (c *MCPClient) Fetch(ctx context.Context, query domain.Query) ([]domain.ProductRecord, error) {
	if err := waitLimiter(ctx, c.rateLimiter); err != nil {
		return nil, err
	}

	args := map[string]interface{}{
		"query":    query.Text(),
		"platform": c.id,
	}
	if query.MaxPrice != nil {
		args["price_max"] = *query.MaxPrice
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "tools/call",
		Params:  rpcParams{Name: mcpToolName, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrInvalidQuery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrSourceUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("User-Agent", "CartScout/1.0")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("mcp request failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("mcp error status", zap.Int("status", resp.StatusCode))
		return nil, classifyStatus(resp.StatusCode, body)
	}

	products, err := decodeMCPBody(body)
	if err != nil {
		return nil, err
	}

	records := c.mapProducts(products)
	if len(records) == 0 {
		c.logger.Debug("mcp returned no products", zap.String("query", query.Text()))
		return nil, domain.ErrSourceEmpty
	}

	c.logger.Debug("mcp products fetched",
		zap.Int("count", len(records)),
		zap.Duration("duration", time.Since(start)))
	return records, nil
}

// decodeMCPBody accepts a JSON-RPC envelope, a bare result object, or either wrapped in one SSE data frame.
func decodeMCPBody(body []byte) ([]mcpProduct, error) {
	raw := extractSSEData(body)

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrSourceUnavailable, err)
	}

	if envelope.Error != nil {
		if envelope.Error.Code == jsonRPCInvalidParams {
			return nil, fmt.Errorf("%w: %s", domain.ErrInvalidQuery, envelope.Error.Message)
		}
		return nil, fmt.Errorf("%w: rpc error %d: %s", domain.ErrSourceUnavailable, envelope.Error.Code, envelope.Error.Message)
	}

	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return envelope.Products, nil
	}

	var result searchResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: decode result: %v", domain.ErrSourceUnavailable, err)
	}
	return result.Products, nil
}

func extractSSEData(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte("data:")) && !bytes.HasPrefix(trimmed, []byte("event:")) {
		return trimmed
	}
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if bytes.HasPrefix(line, []byte("data:")) {
			return bytes.TrimSpace(line[len("data:"):])
		}
	}
	return trimmed
}

func (c *MCPClient) mapProducts(products []mcpProduct) []domain.ProductRecord {
	fetchedAt := c.now().UTC()
	records := make([]domain.ProductRecord, 0, len(products))

	for _, p := range products {
		title := strings.TrimSpace(p.Name)
		if title == "" {
			continue
		}

		price := p.PriceNum
		if price <= 0 {
			parsed, err := ParsePrice(p.Price)
			if err != nil {
				c.logger.Debug("skipping product without price", zap.String("title", title))
				continue
			}
			price = parsed
		}

		externalID := firstNonEmpty(p.ASIN, p.ProductID, p.ID, p.URL)

		records = append(records, domain.ProductRecord{
			SourceID:   c.id,
			ExternalID: externalID,
			Title:      title,
			Price:      price,
			Rating:     ParseRating(p.Rating),
			URL:        p.URL,
			FetchedAt:  fetchedAt,
		})
	}

	return records
}

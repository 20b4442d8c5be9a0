package source

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/logger"
	g "github.com/serpapi/google-search-results-golang"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// searchFunc performs one blocking SerpApi call
type searchFunc func(params map[string]string, apiKey string) (map[string]interface{}, error)

// googleSearch calls SerpApi's google engine, over httpClient when set.
func googleSearch(httpClient *http.Client) searchFunc {
	return func(params map[string]string, apiKey string) (map[string]interface{}, error) {
		search := g.NewGoogleSearch(params, apiKey)
		if httpClient != nil {
			search.HttpSearch = httpClient
		}
		results, err := search.GetJSON()
		if err != nil {
			return nil, err
		}
		return results, nil
	}
}

// SerpAPIConfig configures the Google Shopping source
type SerpAPIConfig struct {
	ID        string
	APIKey    string
	Country   string // gl
	Language  string // hl
	RateLimit float64
	Burst     int
}

// SerpAPIClient searches Google Shopping through SerpApi
type SerpAPIClient struct {
	id          string
	apiKey      string
	country     string
	language    string
	search      searchFunc
	rateLimiter *rate.Limiter
	logger      *zap.Logger
	now         func() time.Time
}

// NewSerpAPIClient creates a Google Shopping source adapter
func NewSerpAPIClient(cfg SerpAPIConfig, log *zap.Logger) *SerpAPIClient {
	country := cfg.Country
	if country == "" {
		country = "in"
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	return &SerpAPIClient{
		id:          cfg.ID,
		apiKey:      cfg.APIKey,
		country:     country,
		language:    language,
		search:      googleSearch(nil),
		rateLimiter: newLimiter(cfg.RateLimit, cfg.Burst),
		logger:      logger.OrNop(log).With(zap.String("source", cfg.ID)),
		now:         time.Now,
	}
}

func (c *SerpAPIClient) ID() string {
	return c.id
}

// Fetch runs one shopping search. The SerpApi client has no context support,
// so the call is abandoned (not cancelled) when ctx ends.
func (c *SerpAPIClient) Fetch(ctx context.Context, query domain.Query) ([]domain.ProductRecord, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: serpapi api key is not set", domain.ErrSourceUnavailable)
	}
	if err := waitLimiter(ctx, c.rateLimiter); err != nil {
		return nil, err
	}

	params := map[string]string{
		"engine": "google",
		"tbm":    "shop",
		"q":      query.Text(),
		"gl":     c.country,
		"hl":     c.language,
	}
	if query.MaxPrice != nil {
		params["tbs"] = "mr:1,price:1,ppr_max:" + strconv.FormatFloat(*query.MaxPrice, 'f', 0, 64)
	}

	type searchOutcome struct {
		results map[string]interface{}
		err     error
	}
	done := make(chan searchOutcome, 1)
	start := time.Now()
	go func() {
		res, err := c.search(params, c.apiKey)
		done <- searchOutcome{results: res, err: err}
	}()

	var out searchOutcome
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceTimeout, ctx.Err())
	case out = <-done:
	}

	if out.err != nil {
		if strings.Contains(out.err.Error(), "hasn't returned any results") {
			return nil, domain.ErrSourceEmpty
		}
		c.logger.Warn("serpapi search failed", zap.Error(out.err), zap.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: serpapi search failed: %v", domain.ErrSourceUnavailable, out.err)
	}

	records := c.mapShoppingResults(out.results)
	if len(records) == 0 {
		return nil, domain.ErrSourceEmpty
	}

	c.logger.Debug("serpapi products fetched",
		zap.Int("count", len(records)),
		zap.Duration("duration", time.Since(start)))
	return records, nil
}

func (c *SerpAPIClient) mapShoppingResults(results map[string]interface{}) []domain.ProductRecord {
	shopping, ok := results["shopping_results"].([]interface{})
	if !ok {
		return nil
	}

	fetchedAt := c.now().UTC()
	records := make([]domain.ProductRecord, 0, len(shopping))
	for _, item := range shopping {
		res, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		title, _ := res["title"].(string)
		if strings.TrimSpace(title) == "" {
			continue
		}

		price, ok := res["extracted_price"].(float64)
		if !ok || price <= 0 {
			display, _ := res["price"].(string)
			parsed, err := ParsePrice(display)
			if err != nil {
				continue
			}
			price = parsed
		}

		link, _ := res["link"].(string)
		if link == "" {
			link, _ = res["product_link"].(string)
		}

		externalID, _ := res["product_id"].(string)
		if externalID == "" {
			externalID = link
		}

		records = append(records, domain.ProductRecord{
			SourceID:   c.id,
			ExternalID: externalID,
			Title:      strings.TrimSpace(title),
			Price:      price,
			Rating:     ParseRating(res["rating"]),
			URL:        link,
			FetchedAt:  fetchedAt,
		})
	}
	return records
}

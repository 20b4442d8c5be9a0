package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Selectors locate product fields on a search listing page.
// Selectors other than Item are evaluated relative to each item.
type Selectors struct {
	Item   string `mapstructure:"item"`
	Title  string `mapstructure:"title"`
	Price  string `mapstructure:"price"`
	Rating string `mapstructure:"rating"`
	Link   string `mapstructure:"link"`
	IDAttr string `mapstructure:"id_attr"`
}

// DefaultSelectors matches an Amazon-style search result page
var DefaultSelectors = Selectors{
	Item:   ".s-result-item[data-asin]",
	Title:  "h2 span, .a-size-base-plus, .a-size-medium, .a-text-normal",
	Price:  ".a-price .a-offscreen, .a-price-whole",
	Rating: ".a-icon-alt",
	Link:   "h2 a, a.a-link-normal",
	IDAttr: "data-asin",
}

func (s Selectors) withDefaults() Selectors {
	if s.Item == "" {
		return DefaultSelectors
	}
	return s
}

// HTMLConfig configures a source scraped from a static listing page
type HTMLConfig struct {
	ID          string
	URLTemplate string // "{query}" is replaced by the escaped search text
	Selectors   Selectors
	Timeout     time.Duration
	RateLimit   float64
	Burst       int
}

// HTMLClient scrapes product listings with goquery
type HTMLClient struct {
	id          string
	urlTemplate string
	selectors   Selectors
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *zap.Logger
	now         func() time.Time
}

// NewHTMLClient creates a listing-page source adapter
func NewHTMLClient(cfg HTMLConfig, log *zap.Logger) *HTMLClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTMLClient{
		id:          cfg.ID,
		urlTemplate: cfg.URLTemplate,
		selectors:   cfg.Selectors.withDefaults(),
		httpClient:  &http.Client{Timeout: timeout},
		rateLimiter: newLimiter(cfg.RateLimit, cfg.Burst),
		logger:      logger.OrNop(log).With(zap.String("source", cfg.ID)),
		now:         time.Now,
	}
}

func (c *HTMLClient) ID() string {
	return c.id
}

// Fetch downloads the listing page for the query and extracts products.
func (c *HTMLClient) Fetch(ctx context.Context, query domain.Query) ([]domain.ProductRecord, error) {
	if !strings.Contains(c.urlTemplate, "{query}") {
		return nil, fmt.Errorf("%w: url template has no {query} placeholder", domain.ErrSourceUnavailable)
	}
	if err := waitLimiter(ctx, c.rateLimiter); err != nil {
		return nil, err
	}

	pageURL := strings.ReplaceAll(c.urlTemplate, "{query}", url.QueryEscape(query.Text()))
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", domain.ErrSourceUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrSourceUnavailable, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-IN,en;q=0.9")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("listing request failed", zap.Error(err))
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyStatus(resp.StatusCode, body)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	records := c.extract(doc, base)
	if len(records) == 0 {
		return nil, domain.ErrSourceEmpty
	}

	c.logger.Debug("listing products extracted",
		zap.Int("count", len(records)),
		zap.Duration("duration", time.Since(start)))
	return records, nil
}

func (c *HTMLClient) extract(doc *goquery.Document, base *url.URL) []domain.ProductRecord {
	sel := c.selectors
	fetchedAt := c.now().UTC()
	var records []domain.ProductRecord

	doc.Find(sel.Item).Each(func(i int, item *goquery.Selection) {
		title := strings.TrimSpace(item.Find(sel.Title).First().Text())
		if title == "" {
			return
		}

		price, err := ParsePrice(item.Find(sel.Price).First().Text())
		if err != nil || price <= 0 {
			return
		}

		var rating *float64
		if sel.Rating != "" {
			if text := strings.TrimSpace(item.Find(sel.Rating).First().Text()); text != "" {
				rating = ParseRating(text)
			}
		}

		link := ""
		if href, ok := item.Find(sel.Link).First().Attr("href"); ok {
			if ref, err := url.Parse(href); err == nil {
				link = base.ResolveReference(ref).String()
			}
		}

		externalID := ""
		if sel.IDAttr != "" {
			externalID, _ = item.Attr(sel.IDAttr)
		}
		if externalID == "" {
			externalID = link
		}

		records = append(records, domain.ProductRecord{
			SourceID:   c.id,
			ExternalID: strings.TrimSpace(externalID),
			Title:      title,
			Price:      price,
			Rating:     rating,
			URL:        link,
			FetchedAt:  fetchedAt,
		})
	})

	return records
}

package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/cartscout/backend/internal/domain"
	"golang.org/x/time/rate"
)

var (
	// first number in a display price, e.g. "₹1,499", "Rs. 2,499.00", "$19.99 - $24.99"
	priceNumberRegex = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

	// first decimal in a rating, e.g. "4.3/5", "4.3 out of 5 stars"
	ratingNumberRegex = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

const (
	defaultRateLimit = 2.0
	defaultBurst     = 5
	maxBodyBytes     = 2 << 20
)

// ParsePrice extracts a non-negative price from a display string.
// Ranges resolve to their lower bound.
func ParsePrice(s string) (float64, error) {
	match := priceNumberRegex.FindString(s)
	if match == "" {
		return 0, fmt.Errorf("no price in %q", s)
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return v, nil
}

// ParseRating converts a numeric or textual rating into the 0-5 range.
// Returns nil when no rating is present.
func ParseRating(v interface{}) *float64 {
	var r float64
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		r = val
	case int:
		r = float64(val)
	case string:
		match := ratingNumberRegex.FindString(val)
		if match == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(match, 64)
		if err != nil {
			return nil
		}
		r = parsed
	default:
		return nil
	}
	if r < 0 {
		r = 0
	}
	if r > 5 {
		r = 5
	}
	return domain.Float(r)
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// waitLimiter blocks for a rate-limit token. A token that cannot arrive before
// the deadline makes the source unavailable for this call.
func waitLimiter(ctx context.Context, limiter *rate.Limiter) error {
	if err := limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrSourceTimeout, ctx.Err())
		}
		return fmt.Errorf("%w: rate limited: %v", domain.ErrSourceUnavailable, err)
	}
	return nil
}

// classifyTransportError maps an HTTP client error onto the adapter contract.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrSourceTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrSourceTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
}

// classifyStatus maps a non-200 HTTP status onto the adapter contract.
func classifyStatus(status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", domain.ErrInvalidQuery, status, snippet)
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", domain.ErrSourceTimeout, status)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrSourceUnavailable, status, snippet)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Query is a normalized product search dispatched to every requested source
type Query struct {
	Keywords         []string `json:"keywords"`
	MaxPrice         *float64 `json:"maxPrice,omitempty"`
	Category         string   `json:"category,omitempty"`
	RequestedSources []string `json:"requestedSources,omitempty"` // empty means all known sources
}

// Validate rejects queries that must never reach a source.
func (q Query) Validate() error {
	if len(q.NormalizedKeywords()) == 0 && strings.TrimSpace(q.Category) == "" {
		return fmt.Errorf("%w: keywords must not be empty", ErrInvalidQuery)
	}
	if q.MaxPrice != nil {
		p := *q.MaxPrice
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return fmt.Errorf("%w: max price must be a positive number, got %v", ErrInvalidQuery, p)
		}
	}
	return nil
}

// NormalizedKeywords returns lower-cased tokens with whitespace collapsed.
// When only a category is present it stands in as the keyword set.
func (q Query) NormalizedKeywords() []string {
	var out []string
	for _, kw := range q.Keywords {
		out = append(out, strings.Fields(strings.ToLower(kw))...)
	}
	if len(out) == 0 && q.Category != "" {
		out = strings.Fields(strings.ToLower(q.Category))
	}
	return out
}

// Text is the free-text search string handed to adapters.
func (q Query) Text() string {
	return strings.Join(q.NormalizedKeywords(), " ")
}

// Signature is the cache identity of a query: normalized keywords, category and budget.
// Format: "{keywords}|{category}|{max_price}"
func (q Query) Signature() string {
	price := ""
	if q.MaxPrice != nil {
		price = strconv.FormatFloat(*q.MaxPrice, 'f', -1, 64)
	}
	category := strings.Join(strings.Fields(strings.ToLower(q.Category)), " ")
	return fmt.Sprintf("%s|%s|%s", q.Text(), category, price)
}

// Hash returns a stable hex digest of the signature for use in cache keys.
func (q Query) Hash() string {
	sum := sha256.Sum256([]byte(q.Signature()))
	return hex.EncodeToString(sum[:16])
}

// ProductRecord is a single listing returned by a source
type ProductRecord struct {
	SourceID   string    `json:"sourceId"`
	ExternalID string    `json:"externalId,omitempty"` // unique within SourceID
	Title      string    `json:"title"`
	Price      float64   `json:"price"`
	Rating     *float64  `json:"rating,omitempty"` // 0-5
	URL        string    `json:"url"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// FailureReason is the per-source failure recorded in an AggregatedResult
type FailureReason string

const (
	ReasonTimeout      FailureReason = "Timeout"
	ReasonUnavailable  FailureReason = "Unavailable"
	ReasonInvalidQuery FailureReason = "InvalidQuery"
)

// ResultStatus summarizes how complete an aggregation was
type ResultStatus string

const (
	StatusComplete ResultStatus = "complete"
	StatusPartial  ResultStatus = "partial"
	StatusNoData   ResultStatus = "no_data"
)

// AggregatedResult is the merged outcome of one fan-out
type AggregatedResult struct {
	Query            Query                    `json:"query"`
	Items            []ProductRecord          `json:"items"`
	SourcesSucceeded []string                 `json:"sourcesSucceeded"`
	SourcesFailed    map[string]FailureReason `json:"sourcesFailed"`
	CacheHit         []string                 `json:"cacheHit"`
}

// NewAggregatedResult returns an empty result for q.
func NewAggregatedResult(q Query) *AggregatedResult {
	return &AggregatedResult{
		Query:            q,
		Items:            []ProductRecord{},
		SourcesSucceeded: []string{},
		SourcesFailed:    map[string]FailureReason{},
		CacheHit:         []string{},
	}
}

// Status reports whether the result is complete, partial or empty.
func (r *AggregatedResult) Status() ResultStatus {
	if r == nil || len(r.Items) == 0 {
		return StatusNoData
	}
	if len(r.SourcesFailed) > 0 {
		return StatusPartial
	}
	return StatusComplete
}

// Err maps Status onto the error taxonomy: nil, ErrPartialData or ErrNoDataAvailable.
func (r *AggregatedResult) Err() error {
	switch r.Status() {
	case StatusNoData:
		return ErrNoDataAvailable
	case StatusPartial:
		return ErrPartialData
	}
	return nil
}

// Contributing returns the sorted ids of sources whose items may appear in Items.
func (r *AggregatedResult) Contributing() []string {
	seen := make(map[string]bool, len(r.SourcesSucceeded)+len(r.CacheHit))
	var out []string
	for _, ids := range [][]string{r.SourcesSucceeded, r.CacheHit} {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Find looks up an item by its source-scoped identity.
func (r *AggregatedResult) Find(sourceID, externalID string) (ProductRecord, bool) {
	if r == nil {
		return ProductRecord{}, false
	}
	for _, item := range r.Items {
		if item.SourceID == sourceID && item.ExternalID == externalID {
			return item, true
		}
	}
	return ProductRecord{}, false
}

// AssignMissingIDs gives every item without an external id a source-scoped
// one: its URL when no other item of the source uses it, otherwise its position.
func (r *AggregatedResult) AssignMissingIDs() {
	if r == nil {
		return
	}
	used := make(map[ProductRef]bool, len(r.Items))
	for _, item := range r.Items {
		if item.ExternalID != "" {
			used[ProductRef{SourceID: item.SourceID, ExternalID: item.ExternalID}] = true
		}
	}
	for i := range r.Items {
		item := &r.Items[i]
		if item.ExternalID != "" {
			continue
		}
		candidates := []string{item.URL, fmt.Sprintf("item-%d", i+1)}
		for n := 0; ; n++ {
			var id string
			if n < len(candidates) {
				id = candidates[n]
			} else {
				id = fmt.Sprintf("item-%d-%d", i+1, n)
			}
			ref := ProductRef{SourceID: item.SourceID, ExternalID: id}
			if id != "" && !used[ref] {
				item.ExternalID = id
				used[ref] = true
				break
			}
		}
	}
}

// Float returns a pointer to v, for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}

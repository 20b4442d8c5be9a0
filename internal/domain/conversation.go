package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ConversationState is the position of a session in the turn state machine
type ConversationState string

const (
	StateCollecting       ConversationState = "COLLECTING"
	StateReadyToSearch    ConversationState = "READY_TO_SEARCH"
	StateResultsPresented ConversationState = "RESULTS_PRESENTED"
	StateComparing        ConversationState = "COMPARING"
)

// Valid reports whether s is one of the known states.
func (s ConversationState) Valid() bool {
	switch s {
	case StateCollecting, StateReadyToSearch, StateResultsPresented, StateComparing:
		return true
	}
	return false
}

// ConversationSlots is the fixed-shape intent accumulated across turns
type ConversationSlots struct {
	Category            string   `json:"category,omitempty"`
	Keywords            []string `json:"keywords,omitempty"`
	MaxPrice            *float64 `json:"maxPrice,omitempty"`
	PlatformPreference  []string `json:"platformPreference,omitempty"`
	ComparisonRequested bool     `json:"comparisonRequested"`
	TurnCount           int      `json:"turnCount"`
}

// Sufficient reports whether enough is known to trigger a search.
func (s ConversationSlots) Sufficient() bool {
	return strings.TrimSpace(s.Category) != "" || len(nonEmpty(s.Keywords)) > 0
}

// Validate checks slot values coming from outside the tracker.
func (s ConversationSlots) Validate() error {
	if s.MaxPrice != nil {
		p := *s.MaxPrice
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return fmt.Errorf("%w: max price %v", ErrInvalidQuery, p)
		}
	}
	if s.TurnCount < 0 {
		return fmt.Errorf("%w: negative turn count", ErrInvalidQuery)
	}
	return nil
}

// Query builds the search query for the current slots.
func (s ConversationSlots) Query() Query {
	q := Query{
		Keywords: nonEmpty(s.Keywords),
		Category: strings.TrimSpace(s.Category),
	}
	if len(q.Keywords) == 0 && q.Category != "" {
		q.Keywords = []string{q.Category}
	}
	if s.MaxPrice != nil {
		q.MaxPrice = Float(*s.MaxPrice)
	}
	if len(s.PlatformPreference) > 0 {
		q.RequestedSources = append([]string(nil), s.PlatformPreference...)
		sort.Strings(q.RequestedSources)
	}
	return q
}

// SearchEquivalent reports whether two slot sets would produce the same query.
func (s ConversationSlots) SearchEquivalent(other ConversationSlots) bool {
	return s.Query().Signature() == other.Query().Signature() &&
		strings.Join(s.Query().RequestedSources, ",") == strings.Join(other.Query().RequestedSources, ",")
}

func nonEmpty(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Session is everything the tracker persists per conversation
type Session struct {
	ID             string            `json:"id"`
	State          ConversationState `json:"state"`
	Slots          ConversationSlots `json:"slots"`
	LastResult     *AggregatedResult `json:"lastResult,omitempty"`
	IntentFailures int               `json:"intentFailures"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// NewSession returns a fresh session in COLLECTING.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		State:     StateCollecting,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// Validate detects persisted sessions that cannot be resumed.
func (s *Session) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil session", ErrSessionCorrupt)
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrSessionCorrupt)
	}
	if !s.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrSessionCorrupt, s.State)
	}
	if err := s.Slots.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}
	if (s.State == StateResultsPresented || s.State == StateComparing) && s.LastResult == nil {
		return fmt.Errorf("%w: state %s without results", ErrSessionCorrupt, s.State)
	}
	return nil
}

// IntentRequest is sent to the assistant on every turn
type IntentRequest struct {
	FreeText string            `json:"freeText"`
	Slots    ConversationSlots `json:"slots"`
}

// IntentResponse carries the assistant's updated slots and an optional reply
type IntentResponse struct {
	Slots ConversationSlots `json:"slots"`
	Reply string            `json:"reply,omitempty"`

	// set when the message itself named a budget or platforms,
	// as opposed to values carried over from the current slots
	BudgetStated    bool `json:"budgetStated,omitempty"`
	PlatformsStated bool `json:"platformsStated,omitempty"`
}

// ComparisonRequest asks the assistant to rank an existing result set
type ComparisonRequest struct {
	FreeText string            `json:"freeText"`
	Slots    ConversationSlots `json:"slots"`
	Items    []ProductRecord   `json:"items"`
}

// ProductRef identifies a ProductRecord inside a result set
type ProductRef struct {
	SourceID   string `json:"sourceId"`
	ExternalID string `json:"externalId"`
}

// Comparison is the assistant's ranking of a result set
type Comparison struct {
	Ranked    []ProductRef `json:"ranked"`
	Rationale string       `json:"rationale"`
}

// OutcomeKind tells the transport layer how to render a turn
type OutcomeKind string

const (
	OutcomeAskMore        OutcomeKind = "ask_more"
	OutcomeResults        OutcomeKind = "results"
	OutcomePartialResults OutcomeKind = "partial_results"
	OutcomeNoData         OutcomeKind = "no_data"
	OutcomeComparison     OutcomeKind = "comparison"
	OutcomeClarification  OutcomeKind = "clarification_needed"
)

// TurnOutcome is the result of processing one user turn
type TurnOutcome struct {
	SessionID   string                   `json:"sessionId"`
	Kind        OutcomeKind              `json:"kind"`
	State       ConversationState        `json:"state"`
	Transitions []ConversationState      `json:"transitions,omitempty"`
	Reply       string                   `json:"reply,omitempty"`
	Slots       ConversationSlots        `json:"slots"`
	Result      *AggregatedResult        `json:"result,omitempty"`
	Failures    map[string]FailureReason `json:"failures,omitempty"`
	Comparison  *Comparison              `json:"comparison,omitempty"`
}

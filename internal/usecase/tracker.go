package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/logger"
	"github.com/cartscout/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultIntentAttempts    = 2
	defaultMaxIntentFailures = 3
	defaultStoreAttempts     = 3
	defaultStoreBackoff      = 50 * time.Millisecond
)

const (
	replyAskMore       = "What are you shopping for? A product type and a budget help me search."
	replyClarify       = "Sorry, I didn't catch that. Could you rephrase what you're looking for?"
	replySessionReset  = "I lost track of our conversation. Could you tell me again what you're looking for?"
	replySearchFirst   = "There is nothing to compare yet. Tell me what you're looking for and I'll search first."
	replyRankingFailed = "I couldn't compare these right now. Ask me again in a moment."
	replyInvalidQuery  = "That search doesn't look right. Could you check the product or budget?"
)

// TrackerConfig holds configuration for the conversation tracker
type TrackerConfig struct {
	IntentAttempts    int // assistant calls per turn
	MaxIntentFailures int // consecutive failed turns before the assistant counts as lost
	StoreAttempts     int
	StoreBackoff      time.Duration
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.IntentAttempts <= 0 {
		c.IntentAttempts = defaultIntentAttempts
	}
	if c.MaxIntentFailures <= 0 {
		c.MaxIntentFailures = defaultMaxIntentFailures
	}
	if c.StoreAttempts <= 0 {
		c.StoreAttempts = defaultStoreAttempts
	}
	if c.StoreBackoff <= 0 {
		c.StoreBackoff = defaultStoreBackoff
	}
	return c
}

// ConversationTracker runs the per-session turn state machine:
// COLLECTING -> READY_TO_SEARCH -> RESULTS_PRESENTED -> COMPARING.
type ConversationTracker struct {
	store      domain.SessionStore
	assistant  domain.Assistant
	aggregator domain.Aggregator
	locks      *keyedMutex
	config     TrackerConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewConversationTracker creates a new tracker with dependencies
func NewConversationTracker(
	store domain.SessionStore,
	assistant domain.Assistant,
	aggregator domain.Aggregator,
	config TrackerConfig,
	m *metrics.Metrics,
	log *zap.Logger,
) *ConversationTracker {
	return &ConversationTracker{
		store:      store,
		assistant:  assistant,
		aggregator: aggregator,
		locks:      newKeyedMutex(),
		config:     config.withDefaults(),
		metrics:    m,
		logger:     logger.OrNop(log),
		now:        time.Now,
	}
}

// turn carries the working state of one HandleTurn call
type turn struct {
	session *domain.Session
	message string
	outcome *domain.TurnOutcome
	log     *zap.Logger
}

func (t *turn) transition(to domain.ConversationState) {
	if t.session.State == to {
		return
	}
	t.log.Debug("state transition",
		zap.String("from", string(t.session.State)),
		zap.String("to", string(to)))
	t.session.State = to
	t.outcome.Transitions = append(t.outcome.Transitions, to)
}

// HandleTurn processes one user message. Turns for the same session are
// serialized; different sessions proceed in parallel.
// The only error besides ErrInvalidQuery is ErrCapabilityUnavailable.
func (c *ConversationTracker) HandleTurn(ctx context.Context, sessionID, message string) (*domain.TurnOutcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidQuery)
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	log := c.logger.With(zap.String("session_id", sessionID))

	session, corrupt, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	tr := &turn{
		session: session,
		message: strings.TrimSpace(message),
		log:     log,
	}

	if corrupt {
		log.Warn("stored session is corrupt, starting over")
		tr.session = domain.NewSession(sessionID, c.now())
		tr.outcome = c.newOutcome(tr.session)
		c.clarify(tr, replySessionReset)
		return c.finish(ctx, tr)
	}

	tr.outcome = c.newOutcome(session)
	session.Slots.TurnCount++

	if err := c.processTurn(ctx, tr); err != nil {
		return nil, err
	}
	return c.finish(ctx, tr)
}

// Reset drops everything stored for the session.
func (c *ConversationTracker) Reset(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrInvalidQuery)
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	err := c.withStoreRetry(ctx, func() error {
		err := c.store.Delete(ctx, sessionID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	c.logger.Info("session reset", zap.String("session_id", sessionID))
	return nil
}

func (c *ConversationTracker) newOutcome(session *domain.Session) *domain.TurnOutcome {
	return &domain.TurnOutcome{
		SessionID:   session.ID,
		Transitions: []domain.ConversationState{session.State},
	}
}

func (c *ConversationTracker) processTurn(ctx context.Context, tr *turn) error {
	session := tr.session
	previous := session.Slots

	resp, err := c.extractIntent(ctx, domain.IntentRequest{FreeText: tr.message, Slots: previous})
	if err != nil {
		if errors.Is(err, domain.ErrClarificationNeeded) {
			tr.log.Info("intent needs clarification", zap.Error(err))
			c.clarify(tr, replyClarify)
			return nil
		}

		session.IntentFailures++
		tr.log.Warn("assistant unavailable",
			zap.Int("consecutive_failures", session.IntentFailures),
			zap.Error(err))
		if session.IntentFailures >= c.config.MaxIntentFailures {
			c.saveBestEffort(ctx, session)
			return fmt.Errorf("%w: assistant failed %d turns in a row: %v",
				domain.ErrCapabilityUnavailable, session.IntentFailures, err)
		}
		c.clarify(tr, replyClarify)
		return nil
	}
	session.IntentFailures = 0

	slots, orthogonal := c.mergeSlots(previous, resp)
	session.Slots = slots
	tr.outcome.Reply = resp.Reply

	if orthogonal {
		tr.log.Info("new unrelated request, resetting slots",
			zap.String("category", slots.Category),
			zap.Strings("keywords", slots.Keywords))
		session.LastResult = nil
		tr.transition(domain.StateCollecting)
	}

	hasResults := session.LastResult != nil &&
		(session.State == domain.StateResultsPresented || session.State == domain.StateComparing)
	refined := !slots.SearchEquivalent(previous)

	switch {
	case slots.ComparisonRequested && hasResults && !refined:
		return c.compare(ctx, tr)

	case !slots.Sufficient():
		tr.transition(domain.StateCollecting)
		tr.outcome.Kind = domain.OutcomeAskMore
		if slots.ComparisonRequested {
			tr.outcome.Reply = replySearchFirst
		} else if tr.outcome.Reply == "" {
			tr.outcome.Reply = replyAskMore
		}
		return nil

	case hasResults && !refined:
		// nothing new to search for; re-present what we have
		tr.transition(domain.StateResultsPresented)
		c.present(tr, session.LastResult)
		return nil
	}

	if err := c.search(ctx, tr); err != nil {
		return err
	}
	if slots.ComparisonRequested && tr.session.State == domain.StateResultsPresented && len(session.LastResult.Items) > 0 {
		return c.compare(ctx, tr)
	}
	return nil
}

// mergeSlots validates the assistant's slots and applies tracker-owned rules.
// It reports whether the new request is orthogonal to the previous one.
// An orthogonal request starts from empty slots: only the platform preference
// carries over, and only what the message itself stated is taken from resp.
func (c *ConversationTracker) mergeSlots(previous domain.ConversationSlots, resp *domain.IntentResponse) (domain.ConversationSlots, bool) {
	updated := resp.Slots
	merged := domain.ConversationSlots{
		Category:            strings.ToLower(strings.TrimSpace(updated.Category)),
		Keywords:            normalizeKeywords(updated.Keywords),
		PlatformPreference:  c.knownSources(updated.PlatformPreference),
		ComparisonRequested: updated.ComparisonRequested,
		TurnCount:           previous.TurnCount,
	}
	if updated.MaxPrice != nil {
		merged.MaxPrice = domain.Float(*updated.MaxPrice)
	}

	if !isOrthogonal(previous, merged) {
		return merged, false
	}

	if !budgetStated(previous, resp) {
		merged.MaxPrice = nil
	}
	if sameKeywords(merged.Keywords, normalizeKeywords(previous.Keywords)) {
		merged.Keywords = nil
	}
	if !resp.PlatformsStated && len(merged.PlatformPreference) == 0 {
		merged.PlatformPreference = append([]string(nil), previous.PlatformPreference...)
	}
	return merged, true
}

// budgetStated reports whether this turn named the budget in resp.
// Assistants that do not flag it are trusted only when the value changed.
func budgetStated(previous domain.ConversationSlots, resp *domain.IntentResponse) bool {
	next := resp.Slots.MaxPrice
	if next == nil {
		return false
	}
	if resp.BudgetStated {
		return true
	}
	return previous.MaxPrice == nil || *previous.MaxPrice != *next
}

func sameKeywords(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// isOrthogonal reports whether next asks for a different product than previous.
func isOrthogonal(previous, next domain.ConversationSlots) bool {
	if !previous.Sufficient() || !next.Sufficient() {
		return false
	}
	prevCategory := strings.ToLower(strings.TrimSpace(previous.Category))
	if prevCategory != "" && next.Category != "" {
		return prevCategory != next.Category
	}
	if prevCategory != "" || next.Category != "" {
		return false
	}
	shared, _ := findIntersection(tokenize(strings.Join(previous.Keywords, " ")), tokenize(strings.Join(next.Keywords, " ")))
	return shared == 0
}

func normalizeKeywords(keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		kw = strings.Join(strings.Fields(strings.ToLower(kw)), " ")
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// knownSources drops platform ids the aggregator does not serve.
func (c *ConversationTracker) knownSources(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	known := make(map[string]bool)
	for _, id := range c.aggregator.Sources() {
		known[id] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if seen[id] {
			continue
		}
		seen[id] = true
		if !known[id] {
			c.logger.Warn("ignoring unknown platform preference", zap.String("source", id))
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *ConversationTracker) search(ctx context.Context, tr *turn) error {
	session := tr.session
	tr.transition(domain.StateReadyToSearch)

	query := session.Slots.Query()
	result, err := c.aggregator.Aggregate(ctx, query)
	switch {
	case err == nil, errors.Is(err, domain.ErrNoDataAvailable):
	case errors.Is(err, domain.ErrInvalidQuery):
		tr.log.Info("search rejected", zap.Error(err))
		tr.transition(domain.StateCollecting)
		c.clarify(tr, replyInvalidQuery)
		return nil
	default:
		return fmt.Errorf("aggregate: %w", err)
	}

	session.LastResult = result
	tr.transition(domain.StateResultsPresented)
	c.present(tr, result)
	return nil
}

func (c *ConversationTracker) present(tr *turn, result *domain.AggregatedResult) {
	tr.outcome.Result = result
	if len(result.SourcesFailed) > 0 {
		tr.outcome.Failures = result.SourcesFailed
	}

	switch result.Status() {
	case domain.StatusNoData:
		tr.outcome.Kind = domain.OutcomeNoData
	case domain.StatusPartial:
		tr.outcome.Kind = domain.OutcomePartialResults
	default:
		tr.outcome.Kind = domain.OutcomeResults
	}
	tr.outcome.Reply = summarizeResult(result)
}

func (c *ConversationTracker) compare(ctx context.Context, tr *turn) error {
	session := tr.session
	// rankings refer to items by source and external id
	session.LastResult.AssignMissingIDs()
	items := session.LastResult.Items

	comparison, err := c.rank(ctx, domain.ComparisonRequest{
		FreeText: tr.message,
		Slots:    session.Slots,
		Items:    items,
	})
	if err == nil {
		comparison = filterRanking(comparison, session.LastResult)
		if len(comparison.Ranked) == 0 {
			err = fmt.Errorf("%w: ranking named no known product", domain.ErrIntentUnparseable)
		}
	}
	if err != nil {
		tr.log.Warn("comparison failed", zap.Error(err))
		c.clarify(tr, replyRankingFailed)
		return nil
	}

	// comparison is a one-shot request
	session.Slots.ComparisonRequested = false
	tr.transition(domain.StateComparing)
	tr.outcome.Kind = domain.OutcomeComparison
	tr.outcome.Comparison = comparison
	tr.outcome.Result = session.LastResult
	tr.outcome.Reply = comparison.Rationale
	return nil
}

// filterRanking drops references to products outside the result set.
func filterRanking(comparison *domain.Comparison, result *domain.AggregatedResult) *domain.Comparison {
	out := &domain.Comparison{Rationale: comparison.Rationale}
	seen := make(map[domain.ProductRef]bool)
	for _, ref := range comparison.Ranked {
		if seen[ref] {
			continue
		}
		if _, ok := result.Find(ref.SourceID, ref.ExternalID); ok {
			seen[ref] = true
			out.Ranked = append(out.Ranked, ref)
		}
	}
	return out
}

// clarify keeps the current state and asks the user to try again.
func (c *ConversationTracker) clarify(tr *turn, reply string) {
	tr.outcome.Kind = domain.OutcomeClarification
	tr.outcome.Reply = reply
}

func (c *ConversationTracker) finish(ctx context.Context, tr *turn) (*domain.TurnOutcome, error) {
	session := tr.session
	session.UpdatedAt = c.now().UTC()

	if err := c.withStoreRetry(ctx, func() error { return c.store.Save(ctx, session) }); err != nil {
		return nil, err
	}

	tr.outcome.State = session.State
	tr.outcome.Slots = session.Slots
	c.metrics.ObserveTurn(string(tr.outcome.Kind))
	tr.log.Info("turn processed",
		zap.String("kind", string(tr.outcome.Kind)),
		zap.String("state", string(session.State)),
		zap.Int("turn", session.Slots.TurnCount))
	return tr.outcome, nil
}

func (c *ConversationTracker) saveBestEffort(ctx context.Context, session *domain.Session) {
	session.UpdatedAt = c.now().UTC()
	if err := c.store.Save(ctx, session); err != nil {
		c.logger.Warn("failed to persist session", zap.String("session_id", session.ID), zap.Error(err))
	}
}

// loadSession returns the stored session, a fresh one when none exists, or
// corrupt=true when the stored state cannot be resumed.
func (c *ConversationTracker) loadSession(ctx context.Context, sessionID string) (*domain.Session, bool, error) {
	var (
		session *domain.Session
		corrupt bool
	)
	err := c.withStoreRetry(ctx, func() error {
		loaded, err := c.store.Load(ctx, sessionID)
		switch {
		case err == nil:
			if loaded.ID != sessionID || loaded.Validate() != nil {
				corrupt = true
				return nil
			}
			session = loaded
			return nil
		case errors.Is(err, domain.ErrSessionNotFound):
			session = domain.NewSession(sessionID, c.now())
			return nil
		case errors.Is(err, domain.ErrSessionCorrupt):
			corrupt = true
			return nil
		}
		return err
	})
	return session, corrupt, err
}

// withStoreRetry runs op up to StoreAttempts times and maps exhaustion to
// ErrCapabilityUnavailable.
func (c *ConversationTracker) withStoreRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.config.StoreAttempts; attempt++ {
		if lastErr = op(); lastErr == nil {
			return nil
		}
		c.logger.Warn("session store call failed", zap.Int("attempt", attempt), zap.Error(lastErr))
		if attempt == c.config.StoreAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: session store: %v", domain.ErrCapabilityUnavailable, ctx.Err())
		case <-time.After(c.config.StoreBackoff):
		}
	}
	return fmt.Errorf("%w: session store: %v", domain.ErrCapabilityUnavailable, lastErr)
}

// extractIntent calls the assistant, retrying transport failures.
// Unusable answers come back wrapped in ErrClarificationNeeded.
func (c *ConversationTracker) extractIntent(ctx context.Context, req domain.IntentRequest) (*domain.IntentResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= c.config.IntentAttempts; attempt++ {
		resp, err := c.assistant.ExtractIntent(ctx, req)
		switch {
		case err == nil && resp == nil:
			return nil, fmt.Errorf("%w: empty assistant response", domain.ErrClarificationNeeded)
		case err == nil:
			if verr := resp.Slots.Validate(); verr != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrClarificationNeeded, verr)
			}
			return resp, nil
		case errors.Is(err, domain.ErrIntentUnparseable), errors.Is(err, domain.ErrInvalidQuery):
			return nil, fmt.Errorf("%w: %v", domain.ErrClarificationNeeded, err)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *ConversationTracker) rank(ctx context.Context, req domain.ComparisonRequest) (*domain.Comparison, error) {
	var lastErr error
	for attempt := 1; attempt <= c.config.IntentAttempts; attempt++ {
		comparison, err := c.assistant.Compare(ctx, req)
		if err == nil && comparison != nil {
			return comparison, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: empty ranking", domain.ErrIntentUnparseable)
		}
		if errors.Is(err, domain.ErrIntentUnparseable) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func summarizeResult(result *domain.AggregatedResult) string {
	var sb strings.Builder
	text := result.Query.Text()

	if len(result.Items) == 0 {
		sb.WriteString("I couldn't find anything for \"" + text + "\"")
		if result.Query.MaxPrice != nil {
			sb.WriteString(" under " + formatPrice(*result.Query.MaxPrice))
		}
		sb.WriteString(". Try another product or a higher budget.")
	} else {
		fmt.Fprintf(&sb, "Found %d products for \"%s\"", len(result.Items), text)
		if result.Query.MaxPrice != nil {
			sb.WriteString(" under " + formatPrice(*result.Query.MaxPrice))
		}
		fmt.Fprintf(&sb, ", starting at %s.", formatPrice(result.Items[0].Price))
	}

	if len(result.SourcesFailed) > 0 {
		failed := make([]string, 0, len(result.SourcesFailed))
		for id, reason := range result.SourcesFailed {
			failed = append(failed, fmt.Sprintf("%s (%s)", id, reason))
		}
		sort.Strings(failed)
		sb.WriteString(" Some stores did not respond: " + strings.Join(failed, ", ") + ".")
	}
	return sb.String()
}

func formatPrice(p float64) string {
	return "₹" + strconv.FormatFloat(p, 'f', -1, 64)
}

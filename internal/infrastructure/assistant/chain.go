package assistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/logger"
	"go.uber.org/zap"
)

// Named pairs an assistant with the label used in logs
type Named struct {
	Name      string
	Assistant domain.Assistant
}

// Chain tries assistants in order and falls through when one is down or answers garbage
type Chain struct {
	links  []Named
	logger *zap.Logger
}

// NewChain creates a fallback chain. At least one assistant is required.
func NewChain(log *zap.Logger, links ...Named) *Chain {
	if len(links) == 0 {
		panic("at least one assistant required")
	}
	return &Chain{links: links, logger: logger.OrNop(log)}
}

// ExtractIntent returns the first usable answer.
func (c *Chain) ExtractIntent(ctx context.Context, req domain.IntentRequest) (*domain.IntentResponse, error) {
	var lastErr error
	for i, link := range c.links {
		resp, err := link.Assistant.ExtractIntent(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !fallsThrough(err) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("assistant failed, trying next",
			zap.String("assistant", link.Name),
			zap.Int("attempt", i+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("all assistants failed: %w", lastErr)
}

// Compare returns the first usable ranking.
func (c *Chain) Compare(ctx context.Context, req domain.ComparisonRequest) (*domain.Comparison, error) {
	var lastErr error
	for i, link := range c.links {
		comparison, err := link.Assistant.Compare(ctx, req)
		if err == nil {
			return comparison, nil
		}
		lastErr = err
		if !fallsThrough(err) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("assistant ranking failed, trying next",
			zap.String("assistant", link.Name),
			zap.Int("attempt", i+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("all assistants failed: %w", lastErr)
}

func fallsThrough(err error) bool {
	return errors.Is(err, domain.ErrAssistantUnavailable) || errors.Is(err, domain.ErrIntentUnparseable)
}

package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/logger"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 20 * time.Second
)

const intentSystemPrompt = `You extract shopping intent for a price comparison assistant.
Reply with ONE JSON object and nothing else:
{"slots":{"category":string,"keywords":[string],"maxPrice":number|null,"platformPreference":[string],"comparisonRequested":boolean},"reply":string}
Rules:
- Start from the current slots and update only what the new message changes.
- category is a single lower-case product noun (bag, phone, earphone, ...) or "".
- keywords is one short search phrase for the product, without price or platform words.
- maxPrice is the budget in rupees stated in this message; "50k" means 50000. Use null when the message states none.
- platformPreference lists only these ids: %s. Use [] when the user wants all of them.
- comparisonRequested is true when the user asks to compare, rank or recommend shown products.
- reply is a short question when you still need the product, otherwise "".`

const rankSystemPrompt = `You rank products for a shopper.
Reply with ONE JSON object and nothing else:
{"ranked":[{"sourceId":string,"externalId":string}],"rationale":string}
Rules:
- Use only products from the list, identified by sourceId and externalId.
- Order best value first, weighing rating against price within the budget.
- rationale is two or three sentences naming the top pick and why.`

const intentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["slots"],
  "properties": {
    "slots": {
      "type": "object",
      "properties": {
        "category": {"type": "string"},
        "keywords": {"type": ["array", "null"], "items": {"type": "string"}},
        "maxPrice": {"type": ["number", "null"], "exclusiveMinimum": 0},
        "platformPreference": {"type": ["array", "null"], "items": {"type": "string"}},
        "comparisonRequested": {"type": "boolean"}
      }
    },
    "reply": {"type": "string"}
  }
}`

const rankingSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["ranked"],
  "properties": {
    "ranked": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["sourceId", "externalId"],
        "properties": {
          "sourceId": {"type": "string", "minLength": 1},
          "externalId": {"type": "string"}
        }
      }
    },
    "rationale": {"type": "string"}
  }
}`

var (
	intentOutput  = mustSchema(intentSchema)
	rankingOutput = mustSchema(rankingSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid output schema: %v", err))
	}
	return schema
}

// OpenAIConfig holds settings for an OpenAI-compatible chat completion endpoint
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // empty uses api.openai.com
	Model   string
	Timeout time.Duration

	// extra options, used by tests to point at a local server
	Options []option.RequestOption
}

// OpenAIAssistant implements domain.Assistant on top of a chat completion model
type OpenAIAssistant struct {
	client    openai.Client
	model     string
	platforms []string
	logger    *zap.Logger
}

// NewOpenAIAssistant creates a new LLM-backed assistant
func NewOpenAIAssistant(cfg OpenAIConfig, platforms []string, log *zap.Logger) *OpenAIAssistant {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	opts = append(opts, cfg.Options...)

	return &OpenAIAssistant{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		platforms: append([]string(nil), platforms...),
		logger:    logger.OrNop(log).With(zap.String("assistant", "openai"), zap.String("model", cfg.Model)),
	}
}

type intentPayload struct {
	Slots struct {
		Category            string   `json:"category"`
		Keywords            []string `json:"keywords"`
		MaxPrice            *float64 `json:"maxPrice"`
		PlatformPreference  []string `json:"platformPreference"`
		ComparisonRequested bool     `json:"comparisonRequested"`
	} `json:"slots"`
	Reply string `json:"reply"`
}

// ExtractIntent asks the model for updated slots.
func (a *OpenAIAssistant) ExtractIntent(ctx context.Context, req domain.IntentRequest) (*domain.IntentResponse, error) {
	if strings.TrimSpace(req.FreeText) == "" {
		return nil, fmt.Errorf("%w: empty message", domain.ErrIntentUnparseable)
	}

	current, err := json.Marshal(req.Slots)
	if err != nil {
		return nil, fmt.Errorf("failed to encode slots: %w", err)
	}
	user := fmt.Sprintf("Current slots: %s\nMessage: %s", current, req.FreeText)

	content, err := a.complete(ctx, fmt.Sprintf(intentSystemPrompt, strings.Join(a.platforms, ", ")), user)
	if err != nil {
		return nil, err
	}

	var payload intentPayload
	if err := decodeJSONObject(content, intentOutput, &payload); err != nil {
		a.logger.Warn("unusable intent output", zap.String("content", truncate(content, 200)), zap.Error(err))
		return nil, err
	}

	slots := req.Slots
	slots.Category = strings.ToLower(strings.TrimSpace(payload.Slots.Category))
	slots.Keywords = payload.Slots.Keywords
	slots.PlatformPreference = payload.Slots.PlatformPreference
	slots.ComparisonRequested = payload.Slots.ComparisonRequested
	if payload.Slots.MaxPrice != nil {
		slots.MaxPrice = domain.Float(*payload.Slots.MaxPrice)
	}

	return &domain.IntentResponse{
		Slots:        slots,
		Reply:        strings.TrimSpace(payload.Reply),
		BudgetStated: payload.Slots.MaxPrice != nil,
	}, nil
}

type rankedItem struct {
	SourceID   string   `json:"sourceId"`
	ExternalID string   `json:"externalId"`
	Title      string   `json:"title"`
	Price      float64  `json:"price"`
	Rating     *float64 `json:"rating,omitempty"`
}

// Compare asks the model to rank the given items.
func (a *OpenAIAssistant) Compare(ctx context.Context, req domain.ComparisonRequest) (*domain.Comparison, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: nothing to compare", domain.ErrIntentUnparseable)
	}

	items := make([]rankedItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, rankedItem{SourceID: it.SourceID, ExternalID: it.ExternalID, Title: it.Title, Price: it.Price, Rating: it.Rating})
	}
	list, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode items: %w", err)
	}
	budget := "none"
	if req.Slots.MaxPrice != nil {
		budget = formatPrice(*req.Slots.MaxPrice)
	}
	user := fmt.Sprintf("Request: %s\nBudget: %s\nProducts: %s", req.FreeText, budget, list)

	content, err := a.complete(ctx, rankSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var comparison domain.Comparison
	if err := decodeJSONObject(content, rankingOutput, &comparison); err != nil {
		a.logger.Warn("unusable ranking output", zap.String("content", truncate(content, 200)), zap.Error(err))
		return nil, err
	}
	if len(comparison.Ranked) == 0 {
		return nil, fmt.Errorf("%w: empty ranking", domain.ErrIntentUnparseable)
	}
	return &comparison, nil
}

func (a *OpenAIAssistant) complete(ctx context.Context, system, user string) (string, error) {
	start := time.Now()
	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model:       a.model,
		Temperature: openai.Float(0),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrAssistantUnavailable, ctx.Err())
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 400 {
			return "", fmt.Errorf("%w: %v", domain.ErrIntentUnparseable, err)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrAssistantUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", domain.ErrIntentUnparseable)
	}

	a.logger.Debug("chat completion",
		zap.Duration("duration", time.Since(start)),
		zap.Int64("total_tokens", resp.Usage.TotalTokens))

	return resp.Choices[0].Message.Content, nil
}

// decodeJSONObject validates the first {...} object found in content against
// schema and decodes it into v. Models sometimes wrap JSON in prose or code fences.
func decodeJSONObject(content string, schema *gojsonschema.Schema, v interface{}) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object in output", domain.ErrIntentUnparseable)
	}
	raw := []byte(content[start : end+1])

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIntentUnparseable, err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("%w: output does not match schema: %v", domain.ErrIntentUnparseable, errs)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIntentUnparseable, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

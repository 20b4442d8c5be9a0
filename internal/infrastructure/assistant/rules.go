package assistant

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/logger"
	"go.uber.org/zap"
)

// Compiled regex patterns for intent extraction
var (
	// "under 2000", "below rs. 1,500", "less than ₹800", "around 50k", "budget is 3000"
	budgetPhrasePattern = regexp.MustCompile(`(?:under|below|less than|within|upto|up to|around|max|budget(?: is| of)?)\s*(?:rs\.?|₹|inr|\$)?\s*(\d[\d,]*(?:\.\d+)?)\s*(k\b)?`)

	// "rs 2000", "₹1,499", "$50"
	currencyPrefixPattern = regexp.MustCompile(`(?:\brs\.?|₹|\binr|\$)\s*(\d[\d,]*(?:\.\d+)?)\s*(k\b)?`)

	// "2000 rs", "1500 rupees"
	currencySuffixPattern = regexp.MustCompile(`(\d[\d,]*(?:\.\d+)?)\s*(k)?\s*(?:rs\b|rupees|inr\b)`)

	comparisonPattern = regexp.MustCompile(`\b(?:compare|comparison|which is better|which one is better|best one|recommend\w*|suggest\w*|which should i|difference|vs|versus)\b`)

	bothPlatformsPattern = regexp.MustCompile(`\b(?:both|all platforms|all stores|anywhere|any platform|any store)\b`)

	wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:-[\p{L}\p{N}]+)*`)
)

// categoryTerms maps product words to the category they name
var categoryTerms = map[string]string{
	"bag": "bag", "bags": "bag", "backpack": "bag", "backpacks": "bag", "handbag": "bag", "handbags": "bag",
	"laptop": "laptop", "laptops": "laptop", "notebook": "laptop",
	"phone": "phone", "phones": "phone", "smartphone": "phone", "smartphones": "phone", "mobile": "phone", "mobiles": "phone",
	"watch": "watch", "watches": "watch", "smartwatch": "watch", "smartwatches": "watch",
	"shoe": "shoe", "shoes": "shoe", "sneaker": "shoe", "sneakers": "shoe",
	"bat": "bat", "bats": "bat",
	"ball": "ball", "balls": "ball",
	"mug": "mug", "mugs": "mug",
	"bottle": "bottle", "bottles": "bottle",
	"book": "book", "books": "book",
	"toy": "toy", "toys": "toy",
	"dress": "dress", "dresses": "dress",
	"shirt": "shirt", "shirts": "shirt", "t-shirt": "shirt", "t-shirts": "shirt", "tshirt": "shirt",
	"pant": "pant", "pants": "pant", "jeans": "pant", "trousers": "pant",
	"earphone": "earphone", "earphones": "earphone", "earbud": "earphone", "earbuds": "earphone",
	"headphone": "headphone", "headphones": "headphone", "headset": "headphone",
	"speaker": "speaker", "speakers": "speaker",
	"cable": "cable", "cables": "cable",
	"charger": "charger", "chargers": "charger",
	"mouse": "mouse", "mice": "mouse",
	"keyboard": "keyboard", "keyboards": "keyboard",
}

// intentNoiseWords never end up in search keywords
var intentNoiseWords = map[string]bool{
	// conversational filler
	"i": true, "im": true, "i'm": true, "me": true, "my": true, "we": true, "you": true, "your": true,
	"want": true, "wanna": true, "need": true, "looking": true, "look": true, "search": true,
	"find": true, "show": true, "get": true, "buy": true, "purchase": true, "please": true,
	"can": true, "could": true, "would": true, "like": true, "some": true, "something": true,
	"hi": true, "hello": true, "hey": true, "thanks": true, "thank": true, "ok": true, "okay": true,
	"ones": true, "one": true, "them": true, "these": true, "those": true, "it": true, "instead": true,
	"actually": true, "now": true, "also": true, "just": true, "good": true, "nice": true,
	// function words
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "for": true,
	"with": true, "in": true, "on": true, "at": true, "to": true, "from": true, "is": true,
	"are": true, "be": true, "any": true, "all": true, "which": true, "what": true, "than": true,
	// budget terms
	"under": true, "below": true, "less": true, "within": true, "upto": true, "up": true,
	"around": true, "max": true, "budget": true, "price": true, "rs": true, "inr": true,
	"rupees": true, "rupee": true, "cheap": true, "cheaper": true,
	// comparison terms
	"compare": true, "comparison": true, "better": true, "best": true, "recommend": true,
	"suggest": true, "should": true, "difference": true, "vs": true, "versus": true,
	// platform terms
	"platform": true, "platforms": true, "store": true, "stores": true, "both": true, "anywhere": true,
}

// RuleAssistant is a deterministic intent and ranking capability
type RuleAssistant struct {
	platforms        []string
	platformPatterns map[string]*regexp.Regexp
	logger           *zap.Logger
}

// NewRuleAssistant creates a rule-based assistant that recognizes the given platform ids
func NewRuleAssistant(platforms []string, log *zap.Logger) *RuleAssistant {
	ids := make([]string, 0, len(platforms))
	for _, p := range platforms {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			ids = append(ids, p)
		}
	}
	sort.Strings(ids)
	patterns := make(map[string]*regexp.Regexp, len(ids))
	for _, id := range ids {
		patterns[id] = regexp.MustCompile(`\b` + regexp.QuoteMeta(id) + `\b`)
	}
	return &RuleAssistant{platforms: ids, platformPatterns: patterns, logger: logger.OrNop(log)}
}

// ExtractIntent updates the slots from one message.
func (a *RuleAssistant) ExtractIntent(ctx context.Context, req domain.IntentRequest) (*domain.IntentResponse, error) {
	text := strings.ToLower(strings.TrimSpace(req.FreeText))
	if text == "" {
		return nil, fmt.Errorf("%w: empty message", domain.ErrIntentUnparseable)
	}

	slots := copySlots(req.Slots)
	slots.ComparisonRequested = comparisonPattern.MatchString(text)

	budget, budgetStated := ExtractBudget(text)
	if budgetStated {
		slots.MaxPrice = domain.Float(budget)
	}

	platforms, platformsStated := a.extractPlatforms(text)
	if platformsStated {
		slots.PlatformPreference = platforms
	}

	words := wordPattern.FindAllString(text, -1)
	category := detectCategory(words)
	keywords := a.extractKeywords(words)

	switch {
	case category != "" && category != slots.Category:
		slots.Category = category
		slots.Keywords = phraseOrNil(keywords)
	case len(keywords) > 0 && !slots.ComparisonRequested:
		if category == "" && slots.Category != "" && !containsCategoryWord(keywords, slots.Category) {
			keywords = append(keywords, slots.Category)
		}
		slots.Keywords = phraseOrNil(keywords)
	}

	a.logger.Debug("rule intent",
		zap.String("category", slots.Category),
		zap.Strings("keywords", slots.Keywords),
		zap.Bool("compare", slots.ComparisonRequested))

	return &domain.IntentResponse{
		Slots:           slots,
		Reply:           replyFor(slots),
		BudgetStated:    budgetStated,
		PlatformsStated: platformsStated,
	}, nil
}

// Compare ranks items by value: rating weighs 60%, relative cheapness 40%.
func (a *RuleAssistant) Compare(ctx context.Context, req domain.ComparisonRequest) (*domain.Comparison, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: nothing to compare", domain.ErrIntentUnparseable)
	}

	maxPrice := 0.0
	for _, item := range req.Items {
		maxPrice = math.Max(maxPrice, item.Price)
	}

	type scored struct {
		item  domain.ProductRecord
		score float64
	}
	ranked := make([]scored, 0, len(req.Items))
	for _, item := range req.Items {
		ranked = append(ranked, scored{item: item, score: valueScore(item, maxPrice)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].item.Price != ranked[j].item.Price {
			return ranked[i].item.Price < ranked[j].item.Price
		}
		if ranked[i].item.SourceID != ranked[j].item.SourceID {
			return ranked[i].item.SourceID < ranked[j].item.SourceID
		}
		return ranked[i].item.ExternalID < ranked[j].item.ExternalID
	})

	comparison := &domain.Comparison{}
	for _, r := range ranked {
		comparison.Ranked = append(comparison.Ranked, domain.ProductRef{SourceID: r.item.SourceID, ExternalID: r.item.ExternalID})
	}

	top := ranked[0].item
	cheapest := req.Items[0]
	for _, item := range req.Items[1:] {
		if item.Price < cheapest.Price {
			cheapest = item
		}
	}
	comparison.Rationale = rationale(top, cheapest)
	return comparison, nil
}

// ExtractBudget finds a price ceiling in free text. "50k" reads as 50000.
func ExtractBudget(text string) (float64, bool) {
	text = strings.ToLower(text)
	for _, pattern := range []*regexp.Regexp{budgetPhrasePattern, currencyPrefixPattern, currencySuffixPattern} {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil || v <= 0 {
			continue
		}
		if m[2] != "" {
			v *= 1000
		}
		return v, true
	}
	return 0, false
}

// extractPlatforms reports ok=true when the message says anything about platforms.
// "both" and friends clear the preference.
func (a *RuleAssistant) extractPlatforms(text string) ([]string, bool) {
	if bothPlatformsPattern.MatchString(text) {
		return nil, true
	}
	var found []string
	for _, id := range a.platforms {
		if a.platformPatterns[id].MatchString(text) {
			found = append(found, id)
		}
	}
	return found, len(found) > 0
}

func (a *RuleAssistant) extractKeywords(words []string) []string {
	platforms := make(map[string]bool, len(a.platforms))
	for _, p := range a.platforms {
		platforms[p] = true
	}

	var kept []string
	for i, w := range words {
		if intentNoiseWords[w] || platforms[w] || isNumber(w) {
			continue
		}
		// "50k" after a budget word
		if strings.HasSuffix(w, "k") && isNumber(strings.TrimSuffix(w, "k")) {
			continue
		}
		// "less than" / "up to" leave nothing behind
		if i > 0 && (words[i-1] == "less" || words[i-1] == "up") && (w == "than" || w == "to") {
			continue
		}
		kept = append(kept, w)
	}
	return kept
}

func detectCategory(words []string) string {
	for _, w := range words {
		if c, ok := categoryTerms[w]; ok {
			return c
		}
	}
	return ""
}

func containsCategoryWord(words []string, category string) bool {
	for _, w := range words {
		if categoryTerms[w] == category {
			return true
		}
	}
	return false
}

func phraseOrNil(words []string) []string {
	if len(words) == 0 {
		return nil
	}
	return []string{strings.Join(words, " ")}
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	return err == nil
}

func copySlots(in domain.ConversationSlots) domain.ConversationSlots {
	out := in
	out.Keywords = append([]string(nil), in.Keywords...)
	out.PlatformPreference = append([]string(nil), in.PlatformPreference...)
	if in.MaxPrice != nil {
		out.MaxPrice = domain.Float(*in.MaxPrice)
	}
	return out
}

func replyFor(slots domain.ConversationSlots) string {
	switch {
	case !slots.Sufficient() && slots.MaxPrice != nil:
		return "Got your budget. What product are you looking for?"
	case !slots.Sufficient():
		return "What product are you looking for? Tell me your budget too if you have one."
	case slots.MaxPrice == nil:
		return "Searching now. Tell me a budget any time to narrow it down."
	}
	return ""
}

func valueScore(item domain.ProductRecord, maxPrice float64) float64 {
	ratingPart := 0.5
	if item.Rating != nil {
		ratingPart = *item.Rating / 5
	}
	pricePart := 1.0
	if maxPrice > 0 {
		pricePart = 1 - item.Price/maxPrice
	}
	return ratingPart*0.6 + pricePart*0.4
}

func rationale(top, cheapest domain.ProductRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Top pick: %s at %s on %s", top.Title, formatPrice(top.Price), top.SourceID)
	if top.Rating != nil {
		fmt.Fprintf(&sb, ", rated %.1f/5", *top.Rating)
	}
	sb.WriteString(". It has the best balance of price and rating.")
	if cheapest.SourceID == top.SourceID && cheapest.ExternalID == top.ExternalID {
		sb.WriteString(" It is also the cheapest option.")
	} else {
		fmt.Fprintf(&sb, " Budget pick: %s at %s on %s.", cheapest.Title, formatPrice(cheapest.Price), cheapest.SourceID)
	}
	return sb.String()
}

func formatPrice(p float64) string {
	return "₹" + strconv.FormatFloat(p, 'f', -1, 64)
}

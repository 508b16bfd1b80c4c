package context

import (
	stdcontext "context"
	"log/slog"
	"sort"
	"strings"
)

// Classification splits layers into the cacheable preamble and the dynamic
// prefix prepended per invocation.
type Classification string

const (
	ClassSystem  Classification = "system"
	ClassDynamic Classification = "dynamic"
)

// LayerContent is what a layer's Fetch returns.
type LayerContent struct {
	Content         string
	EstimatedTokens int
}

// FetchFunc produces a layer's content for one invocation. A fetcher that
// errors is skipped with a log warning; composition proceeds without
// it.
type FetchFunc func(ctx stdcontext.Context) (LayerContent, error)

// Layer is a named, prioritized content producer. Priorities must stay
// stable across invocations for the preamble's cacheability to hold.
type Layer struct {
	Name           string
	Priority       int
	Classification Classification
	Fetch          FetchFunc
}

// Standard layer priorities. Individual values may be tuned but the
// relative ordering is contract: it determines preamble stability.
const (
	PrioritySystem        = 0
	PriorityModelIdentity = 10
	PriorityRoom          = 20
	PriorityUser          = 25
	PriorityParticipants  = 30
	PriorityInspirations  = 70
	PriorityJournal       = 80
	PriorityHistory       = 100
)

// Composer produces, for one LLM invocation, a stable preamble and a
// dynamic prefix from an ordered set of layers.
type Composer struct {
	layers []Layer
	logger *slog.Logger
}

// NewComposer creates a composer over the given layers.
func NewComposer(logger *slog.Logger, layers ...Layer) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{layers: layers, logger: logger.With("component", "context_composer")}
}

// Composed is the result of one Compose call.
type Composed struct {
	Preamble string
	Prefix   string
	// Skipped names the layers dropped for budget or fetch-error reasons,
	// in the order they were dropped.
	Skipped []string
}

// Compose runs every layer's fetcher, then packs each classification
// separately against its share of the token budget T: preamble gets
// floor(T/4), the dynamic prefix gets the remainder.
func (c *Composer) Compose(ctx stdcontext.Context, budgetTokens int) Composed {
	preambleBudget := budgetTokens / 4
	dynamicBudget := budgetTokens - preambleBudget

	system := c.layersOf(ClassSystem)
	dynamic := c.layersOf(ClassDynamic)

	preamble, skippedSys := c.pack(ctx, system, preambleBudget)
	prefix, skippedDyn := c.pack(ctx, dynamic, dynamicBudget)

	return Composed{
		Preamble: preamble,
		Prefix:   prefix,
		Skipped:  append(skippedSys, skippedDyn...),
	}
}

func (c *Composer) layersOf(class Classification) []Layer {
	var out []Layer
	for _, l := range c.layers {
		if l.Classification == class {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// pack accumulates layer content joined by blank lines until the next
// layer would exceed budget; it truncates an overflowing layer to the
// remaining budget when that remainder is at least 100 tokens, else it
// stops.
func (c *Composer) pack(ctx stdcontext.Context, layers []Layer, budget int) (string, []string) {
	var parts []string
	var skipped []string
	used := 0

	for _, layer := range layers {
		lc, err := layer.Fetch(ctx)
		if err != nil {
			c.logger.Warn("context layer fetch failed, skipping", "layer", layer.Name, "error", err)
			skipped = append(skipped, layer.Name)
			continue
		}
		if lc.Content == "" {
			continue
		}

		remaining := budget - used
		if remaining <= 0 {
			skipped = append(skipped, layer.Name)
			continue
		}

		if lc.EstimatedTokens <= remaining {
			parts = append(parts, lc.Content)
			used += lc.EstimatedTokens
			continue
		}

		if remaining >= 100 {
			parts = append(parts, truncateToTokens(lc.Content, remaining))
			used = budget
			continue
		}

		skipped = append(skipped, layer.Name)
	}

	return strings.Join(parts, "\n\n"), skipped
}

// EstimateTokens approximates the token count of s at 4 bytes per
// token, rounding up. Coarse, but monotonic in input length, which is
// all the budget walk needs.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// truncateToTokens trims content to approximately maxTokens, using the
// same 4-bytes-per-token estimator as EstimateTokens so the cut is
// monotonic in input length.
func truncateToTokens(content string, maxTokens int) string {
	maxChars := maxTokens * 4
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}
	return content[:maxChars]
}

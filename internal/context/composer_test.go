package context

import (
	stdcontext "context"
	"errors"
	"strings"
	"testing"
)

func staticLayer(name string, priority int, class Classification, content string) Layer {
	return Layer{
		Name:           name,
		Priority:       priority,
		Classification: class,
		Fetch: func(ctx stdcontext.Context) (LayerContent, error) {
			return LayerContent{Content: content, EstimatedTokens: EstimateTokens(content)}, nil
		},
	}
}

func TestComposer_OrdersByPriorityWithinClassification(t *testing.T) {
	c := NewComposer(nil,
		staticLayer("history", PriorityHistory, ClassDynamic, "history"),
		staticLayer("room", PriorityRoom, ClassDynamic, "room"),
		staticLayer("user", PriorityUser, ClassDynamic, "user"),
	)

	composed := c.Compose(stdcontext.Background(), 10000)

	roomIdx := strings.Index(composed.Prefix, "room")
	userIdx := strings.Index(composed.Prefix, "user")
	historyIdx := strings.Index(composed.Prefix, "history")
	if !(roomIdx < userIdx && userIdx < historyIdx) {
		t.Fatalf("expected room < user < history ordering, got prefix %q", composed.Prefix)
	}
}

func TestComposer_SeparatesPreambleFromPrefixByClassification(t *testing.T) {
	c := NewComposer(nil,
		staticLayer("system", PrioritySystem, ClassSystem, "sys text"),
		staticLayer("room", PriorityRoom, ClassDynamic, "room text"),
	)

	composed := c.Compose(stdcontext.Background(), 10000)

	if composed.Preamble != "sys text" {
		t.Errorf("Preamble = %q, want %q", composed.Preamble, "sys text")
	}
	if composed.Prefix != "room text" {
		t.Errorf("Prefix = %q, want %q", composed.Prefix, "room text")
	}
}

func TestComposer_FetchErrorSkipsLayer(t *testing.T) {
	failing := Layer{
		Name:           "journal",
		Priority:       PriorityJournal,
		Classification: ClassDynamic,
		Fetch: func(ctx stdcontext.Context) (LayerContent, error) {
			return LayerContent{}, errors.New("journal store unavailable")
		},
	}
	c := NewComposer(nil, staticLayer("room", PriorityRoom, ClassDynamic, "room text"), failing)

	composed := c.Compose(stdcontext.Background(), 10000)

	if composed.Prefix != "room text" {
		t.Errorf("Prefix = %q, want only room text", composed.Prefix)
	}
	if len(composed.Skipped) != 1 || composed.Skipped[0] != "journal" {
		t.Errorf("Skipped = %v, want [journal]", composed.Skipped)
	}
}

func TestComposer_PreambleBudgetIsQuarterOfTotal(t *testing.T) {
	// 400 tokens => preamble budget 100 tokens => 400 chars at 4 chars/token.
	long := strings.Repeat("x", 1000)
	c := NewComposer(nil, staticLayer("system", PrioritySystem, ClassSystem, long))

	composed := c.Compose(stdcontext.Background(), 400)

	if len(composed.Preamble) != 400 {
		t.Errorf("len(Preamble) = %d, want 400 (truncated to preamble budget)", len(composed.Preamble))
	}
}

func TestComposer_DropsOverflowingLayerBelowMinimumRemainder(t *testing.T) {
	big := strings.Repeat("a", 4*95) // ~95 tokens, dynamic budget is 100
	small := "this will not fit in the five remaining tokens at all"

	c := NewComposer(nil,
		staticLayer("room", PriorityRoom, ClassDynamic, big),
		staticLayer("user", PriorityUser, ClassDynamic, small),
	)

	composed := c.Compose(stdcontext.Background(), 133) // dynamic budget = 133 - 33 = 100

	if strings.Contains(composed.Prefix, "this will not fit") {
		t.Fatalf("expected the second layer to be dropped, got prefix %q", composed.Prefix)
	}
	found := false
	for _, name := range composed.Skipped {
		if name == "user" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 'user' layer in Skipped, got %v", composed.Skipped)
	}
}

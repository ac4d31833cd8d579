// Package scoring turns a raw submitted answer into a correct/incorrect
// outcome. Each item type has its own Scorer; the Registry dispatches on
// irt.Item.Type.
package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/p-n-ai/pai-cat/internal/irt"
)

var (
	// ErrUnsupportedType indicates no scorer is registered for the item type.
	ErrUnsupportedType = errors.New("unsupported item type")
	// ErrMalformedAnswer indicates the raw answer does not fit the item type.
	ErrMalformedAnswer = errors.New("malformed answer")
)

// Item types understood by the default registry.
const (
	TypeMultipleChoice = "multiple_choice"
	TypeMultipleSelect = "multiple_select"
	TypeTrueFalse      = "true_false"
	TypeShortAnswer    = "short_answer"
	TypeMatching       = "matching"
)

// Scorer decides whether raw is a correct answer to item.
type Scorer interface {
	Score(item irt.Item, raw json.RawMessage) (bool, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(item irt.Item, raw json.RawMessage) (bool, error)

func (f ScorerFunc) Score(item irt.Item, raw json.RawMessage) (bool, error) {
	return f(item, raw)
}

// Registry maps item types to scorers.
type Registry struct {
	mu      sync.RWMutex
	scorers map[string]Scorer
}

// NewRegistry returns a registry with the built-in item types.
func NewRegistry() *Registry {
	r := &Registry{scorers: make(map[string]Scorer)}
	r.Register(TypeMultipleChoice, ScorerFunc(scoreMultipleChoice))
	r.Register(TypeMultipleSelect, ScorerFunc(scoreMultipleSelect))
	r.Register(TypeTrueFalse, ScorerFunc(scoreTrueFalse))
	r.Register(TypeShortAnswer, ScorerFunc(scoreShortAnswer))
	r.Register(TypeMatching, ScorerFunc(scoreMatching))
	return r
}

// Register adds or replaces the scorer for an item type.
func (r *Registry) Register(itemType string, s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[itemType] = s
}

// Types returns the registered item types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scorers))
	for t := range r.scorers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Score scores raw against item using the scorer for item.Type.
func (r *Registry) Score(item irt.Item, raw json.RawMessage) (bool, error) {
	r.mu.RLock()
	s, ok := r.scorers[item.Type]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %q (item %s)", ErrUnsupportedType, item.Type, item.ID)
	}
	if len(item.Key) == 0 {
		return false, fmt.Errorf("item %s has no answer key", item.ID)
	}
	return s.Score(item, raw)
}

func scoreMultipleChoice(item irt.Item, raw json.RawMessage) (bool, error) {
	choice, err := decodeString(raw)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(choice) == strings.TrimSpace(item.Key[0]), nil
}

func scoreMultipleSelect(item irt.Item, raw json.RawMessage) (bool, error) {
	var picks []string
	if err := json.Unmarshal(raw, &picks); err != nil {
		return false, fmt.Errorf("%w: expected a list of options", ErrMalformedAnswer)
	}
	want := make(map[string]bool, len(item.Key))
	for _, k := range item.Key {
		want[strings.TrimSpace(k)] = true
	}
	got := make(map[string]bool, len(picks))
	for _, p := range picks {
		got[strings.TrimSpace(p)] = true
	}
	if len(got) != len(want) {
		return false, nil
	}
	for k := range want {
		if !got[k] {
			return false, nil
		}
	}
	return true, nil
}

func scoreTrueFalse(item irt.Item, raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		s, serr := decodeString(raw)
		if serr != nil {
			return false, fmt.Errorf("%w: expected true or false", ErrMalformedAnswer)
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "t", "yes":
			b = true
		case "false", "f", "no":
			b = false
		default:
			return false, fmt.Errorf("%w: expected true or false, got %q", ErrMalformedAnswer, s)
		}
	}
	key := strings.ToLower(strings.TrimSpace(item.Key[0]))
	return (key == "true") == b, nil
}

func scoreShortAnswer(item irt.Item, raw json.RawMessage) (bool, error) {
	answer, err := decodeString(raw)
	if err != nil {
		return false, err
	}
	got := Normalize(answer)
	if got == "" {
		return false, nil
	}
	for _, k := range item.Key {
		if Normalize(k) == got {
			return true, nil
		}
	}
	return false, nil
}

// scoreMatching expects an object of left → right pairs. Keys are written
// "left=right".
func scoreMatching(item irt.Item, raw json.RawMessage) (bool, error) {
	var pairs map[string]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return false, fmt.Errorf("%w: expected an object of pairs", ErrMalformedAnswer)
	}
	if len(pairs) != len(item.Key) {
		return false, nil
	}
	for _, k := range item.Key {
		left, right, ok := strings.Cut(k, "=")
		if !ok {
			return false, fmt.Errorf("item %s: matching key %q is not left=right", item.ID, k)
		}
		if Normalize(pairs[strings.TrimSpace(left)]) != Normalize(right) {
			return false, nil
		}
	}
	return true, nil
}

// Normalize applies NFKC, case folding and whitespace collapsing so that
// visually identical answers compare equal.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: expected a string", ErrMalformedAnswer)
	}
	return s, nil
}

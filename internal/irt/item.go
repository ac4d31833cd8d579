// Package irt implements the three-parameter logistic (3PL) item response model:
// item parameters, response records, and maximum-likelihood ability estimation.
// Everything in this package is pure; nothing logs or performs I/O.
package irt

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/blake2b"
)

// ErrInvalidItem is returned when an item's parameters cannot be used by the model.
var ErrInvalidItem = errors.New("invalid item")

// Params holds the 3PL parameters of one item.
type Params struct {
	Discrimination float64 `json:"a"`
	Difficulty     float64 `json:"b"`
	Guessing       float64 `json:"c"`
}

// Validate checks a > 0, c in [0,1) and that every parameter is finite.
func (p Params) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"discrimination", p.Discrimination},
		{"difficulty", p.Difficulty},
		{"guessing", p.Guessing},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidItem, f.name)
		}
	}
	if p.Discrimination <= 0 {
		return fmt.Errorf("%w: discrimination must be > 0, got %g", ErrInvalidItem, p.Discrimination)
	}
	if p.Guessing < 0 || p.Guessing >= 1 {
		return fmt.Errorf("%w: guessing must be in [0,1), got %g", ErrInvalidItem, p.Guessing)
	}
	return nil
}

// Item is an immutable test question descriptor.
type Item struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Prompt   string   `json:"prompt,omitempty"`
	Options  []string `json:"options,omitempty"`
	// Key is the answer key. Only scorers read it.
	Key []string `json:"key,omitempty"`

	Params
}

// Validate fails fast on malformed items so NaN never reaches the likelihood.
func (it Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	if err := it.Params.Validate(); err != nil {
		return fmt.Errorf("item %s: %w", it.ID, err)
	}
	return nil
}

// Fingerprint identifies the exact parameter version of an item. Editing any
// of a, b or c yields a different fingerprint.
func (it Item) Fingerprint() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(it.ID))
	var buf [8]byte
	for _, v := range []float64{it.Discrimination, it.Difficulty, it.Guessing} {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// ValidateItems validates every item and rejects duplicate ids.
func ValidateItems(items []Item) error {
	seen := make(map[string]struct{}, len(items))
	var errs []error
	for _, it := range items {
		if err := it.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[it.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate id %s", ErrInvalidItem, it.ID))
			continue
		}
		seen[it.ID] = struct{}{}
	}
	return errors.Join(errs...)
}

package dataset

import (
	"cmp"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// ErrInvalidFilter is returned for an unknown filter condition.
var ErrInvalidFilter = errors.New("invalid filter")

// Condition selects how Filter compares a cell with its values.
type Condition string

const (
	In        Condition = "in"
	NotIn     Condition = "not_in"
	Equals    Condition = "equals"
	NotEquals Condition = "not_equals"
)

// Filter keeps rows whose Column cell satisfies Condition against Values.
// Equals and NotEquals compare against the first value only. A Filter
// with no Column keeps every row.
type Filter struct {
	Column    string    `yaml:"column" toml:"column"`
	Values    []string  `yaml:"values" toml:"values"`
	Condition Condition `yaml:"condition" toml:"condition"`
}

// Validate checks the condition name.
func (f Filter) Validate() error {
	if f.Column == "" {
		return nil
	}
	switch f.Condition {
	case In, NotIn, Equals, NotEquals, "":
		return nil
	}
	return fmt.Errorf("%w: unknown condition %q", ErrInvalidFilter, f.Condition)
}

// Apply returns the rows matching f.
func (f Filter) Apply(rows []models.Row) ([]models.Row, error) {
	if f.Column == "" {
		return rows, nil
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var out []models.Row
	for _, r := range rows {
		v, ok := r.Columns[f.Column]
		if !ok {
			return nil, fmt.Errorf("filter: %w: %q", ErrColumnNotFound, f.Column)
		}
		if f.match(v) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f Filter) match(v string) bool {
	switch f.Condition {
	case NotIn:
		return !slices.Contains(f.Values, v)
	case Equals:
		return len(f.Values) > 0 && v == f.Values[0]
	case NotEquals:
		return len(f.Values) == 0 || v != f.Values[0]
	default:
		return slices.Contains(f.Values, v)
	}
}

// Limit keeps the first n rows. n <= 0 keeps all.
func Limit(rows []models.Row, n int) []models.Row {
	if n <= 0 || n >= len(rows) {
		return rows
	}
	return rows[:n]
}

// Sample picks n rows at random, reproducibly for a given seed, and
// returns them in index order. n <= 0 keeps all.
func Sample(rows []models.Row, n int, seed uint64) []models.Row {
	if n <= 0 || n >= len(rows) {
		return rows
	}
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	perm := r.Perm(len(rows))[:n]
	out := make([]models.Row, 0, n)
	for _, i := range perm {
		out = append(out, rows[i])
	}
	slices.SortFunc(out, func(a, b models.Row) int { return cmp.Compare(a.Index, b.Index) })
	return out
}

// Select applies the filter, then either the sample or the row limit.
// A sample size overrides maxRows.
func Select(rows []models.Row, f Filter, maxRows, sampleSize int, seed uint64) ([]models.Row, error) {
	rows, err := f.Apply(rows)
	if err != nil {
		return nil, err
	}
	if sampleSize > 0 {
		return Sample(rows, sampleSize, seed), nil
	}
	return Limit(rows, maxRows), nil
}

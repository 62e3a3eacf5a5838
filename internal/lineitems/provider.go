// Package lineitems loads the set of line items eligible for forecasting on
// a report date.
package lineitems

import (
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"
)

// Item is one eligible line item.
type Item struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

// File is the on-disk eligibility document dropped by the upstream booking
// system.
type File struct {
	ReportDate string `yaml:"report_date,omitempty"`
	LineItems  []Item `yaml:"line_items"`
}

// Provider returns the line item ids eligible for forecasting on a date.
type Provider interface {
	Eligible(reportDate string) ([]int64, error)
}

// FileProvider reads eligibility from a YAML file.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider reading from path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Eligible parses the file and returns the deduplicated ids in file order.
// A file carrying a different report_date is rejected.
func (p *FileProvider) Eligible(reportDate string) ([]int64, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p.path, err)
	}

	if f.ReportDate != "" && f.ReportDate != reportDate {
		return nil, fmt.Errorf("%s is for report date %s, not %s", p.path, f.ReportDate, reportDate)
	}

	seen := make(map[int64]struct{}, len(f.LineItems))
	ids := make([]int64, 0, len(f.LineItems))
	for _, it := range f.LineItems {
		if it.ID == 0 {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		ids = append(ids, it.ID)
	}
	return ids, nil
}

// Sample returns n randomly chosen ids, preserving the input order of the
// chosen elements. Returns the input unchanged when n >= len(ids).
func Sample(ids []int64, n int, rng *rand.Rand) []int64 {
	if n >= len(ids) {
		return ids
	}

	chosen := make(map[int]struct{}, n)
	for _, idx := range rng.Perm(len(ids))[:n] {
		chosen[idx] = struct{}{}
	}

	out := make([]int64, 0, n)
	for i, id := range ids {
		if _, ok := chosen[i]; ok {
			out = append(out, id)
		}
	}
	return out
}

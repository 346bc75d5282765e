// Package taxonomy holds the OWASP MCP Top 10 catalog that audit checks map
// their findings onto.
package taxonomy

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed owasp_mcp_top10.yaml
var owaspMCPTop10 []byte

// Standard is a security standard and its items.
type Standard struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	URL     string `yaml:"url"`
	Items   []Item `yaml:"items"`
}

// Item is one entry of a standard.
type Item struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Check     string `yaml:"check"` // audit check name covering this item
	RiskLevel string `yaml:"risk_level"`
	Abstract  string `yaml:"abstract"`
}

var (
	defaultOnce sync.Once
	defaultStd  *Standard
	defaultErr  error
)

// OWASPMCPTop10 returns the embedded OWASP MCP Top 10 catalog.
func OWASPMCPTop10() (*Standard, error) {
	defaultOnce.Do(func() {
		defaultStd, defaultErr = Parse(owaspMCPTop10)
	})
	return defaultStd, defaultErr
}

// Parse decodes and validates a standard document.
func Parse(data []byte) (*Standard, error) {
	var std Standard
	if err := yaml.Unmarshal(data, &std); err != nil {
		return nil, fmt.Errorf("parsing standard: %w", err)
	}
	if std.ID == "" {
		return nil, fmt.Errorf("standard missing 'id' field")
	}
	seen := make(map[string]bool, len(std.Items))
	for _, item := range std.Items {
		if item.ID == "" {
			return nil, fmt.Errorf("standard %s: item missing 'id' field", std.ID)
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("standard %s: duplicate item %s", std.ID, item.ID)
		}
		seen[item.ID] = true
	}
	sort.Slice(std.Items, func(i, j int) bool { return std.Items[i].ID < std.Items[j].ID })
	return &std, nil
}

// Item looks up an item by ID.
func (s *Standard) Item(id string) (Item, bool) {
	for _, item := range s.Items {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}

// ByCheck looks up the item an audit check covers.
func (s *Standard) ByCheck(check string) (Item, bool) {
	for _, item := range s.Items {
		if item.Check == check {
			return item, true
		}
	}
	return Item{}, false
}

/*
Package factory converts YAML tier definitions into commission tiers.

PURPOSE:
  Commission tiers are business configuration. Operations edit a YAML file
  (or PUT the admin endpoint) and the factory turns it into validated
  ledger.CommissionTier values, so tier changes need no code change.

YAML SCHEMA:
  tiers:
    - id: bronze
      name: Bronze
      min_sales: 0
      rate: 0.05
    - id: silver
      name: Silver
      min_sales: 2000
      rate: 0.07

RULES:
  - at least one tier
  - ids and names unique
  - min_sales >= 0, unique across tiers
  - 0 <= rate <= 1
  - amounts are parsed as decimals, never floats

USAGE:
  f := factory.NewTierFactory()
  tiers, err := f.ParseTiers(yamlString)
  err = store.ReplaceTiers(ctx, tiers)

SEE ALSO:
  - rewards/presets.go: built-in tier sets
  - rewards/policies.go: SelectTier
*/
package factory

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/salonhub/ledger-engine/ledger"
)

var ErrInvalidTiers = errors.New("invalid commission tiers")

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// TiersYAML is the YAML document.
type TiersYAML struct {
	Tiers []TierYAML `yaml:"tiers"`
}

// TierYAML is one tier. Amounts are kept as strings so "0.07" stays exact.
type TierYAML struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	MinSales string `yaml:"min_sales"`
	Rate     string `yaml:"rate"`
}

// =============================================================================
// TIER FACTORY
// =============================================================================

// TierFactory converts YAML tiers to ledger tiers.
type TierFactory struct{}

func NewTierFactory() *TierFactory {
	return &TierFactory{}
}

// ParseTiers parses a YAML document into tiers ordered by MinSales.
func (f *TierFactory) ParseTiers(doc string) ([]ledger.CommissionTier, error) {
	var ty TiersYAML
	if err := yaml.Unmarshal([]byte(doc), &ty); err != nil {
		return nil, fmt.Errorf("failed to parse tiers YAML: %w", err)
	}
	return f.FromYAML(ty)
}

// LoadFile reads and parses a tiers file.
func (f *TierFactory) LoadFile(path string) ([]ledger.CommissionTier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiers file: %w", err)
	}
	return f.ParseTiers(string(b))
}

// FromYAML converts and validates.
func (f *TierFactory) FromYAML(ty TiersYAML) ([]ledger.CommissionTier, error) {
	tiers := make([]ledger.CommissionTier, 0, len(ty.Tiers))
	for i, tj := range ty.Tiers {
		minSales, err := parseAmount(tj.MinSales, "0")
		if err != nil {
			return nil, fmt.Errorf("%w: tier %d min_sales: %v", ErrInvalidTiers, i, err)
		}
		rate, err := parseAmount(tj.Rate, "")
		if err != nil {
			return nil, fmt.Errorf("%w: tier %d rate: %v", ErrInvalidTiers, i, err)
		}
		id := tj.ID
		if id == "" {
			id = slug(tj.Name)
		}
		tiers = append(tiers, ledger.CommissionTier{
			ID:       id,
			Name:     tj.Name,
			MinSales: minSales,
			Rate:     rate,
		})
	}
	if err := ValidateTiers(tiers); err != nil {
		return nil, err
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinSales.LessThan(tiers[j].MinSales) })
	return tiers, nil
}

// ToYAML converts tiers back into the document form.
func (f *TierFactory) ToYAML(tiers []ledger.CommissionTier) (string, error) {
	ty := TiersYAML{Tiers: make([]TierYAML, 0, len(tiers))}
	for _, t := range tiers {
		ty.Tiers = append(ty.Tiers, TierYAML{
			ID:       t.ID,
			Name:     t.Name,
			MinSales: t.MinSales.String(),
			Rate:     t.Rate.String(),
		})
	}
	b, err := yaml.Marshal(ty)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateTiers checks a tier set before it replaces the stored one.
func ValidateTiers(tiers []ledger.CommissionTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: at least one tier is required", ErrInvalidTiers)
	}
	var (
		ids    = make(map[string]bool)
		names  = make(map[string]bool)
		floors = make(map[string]bool)
	)
	for _, t := range tiers {
		if t.Name == "" {
			return fmt.Errorf("%w: tier name is required", ErrInvalidTiers)
		}
		if ids[t.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidTiers, t.ID)
		}
		if names[t.Name] {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidTiers, t.Name)
		}
		if t.MinSales.IsNegative() {
			return fmt.Errorf("%w: %s min_sales is negative", ErrInvalidTiers, t.Name)
		}
		if floors[t.MinSales.String()] {
			return fmt.Errorf("%w: two tiers start at %s", ErrInvalidTiers, t.MinSales)
		}
		if t.Rate.IsNegative() || t.Rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: %s rate %s outside [0, 1]", ErrInvalidTiers, t.Name, t.Rate)
		}
		ids[t.ID], names[t.Name], floors[t.MinSales.String()] = true, true, true
	}
	return nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseAmount(s, def string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if def == "" {
			return decimal.Zero, errors.New("required")
		}
		s = def
	}
	return decimal.NewFromString(s)
}

func slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

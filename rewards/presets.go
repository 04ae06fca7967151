/*
presets.go - Built-in commission tier sets

These functions return tier documents in the tiers file format read by the
factory package. Ids are left out so the factory derives them from names.

USAGE:
  doc, err := rewards.StandardTiersYAML()
  tiers, err := factory.NewTierFactory().ParseTiers(doc)
*/
package rewards

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// TierPreset is one row of a preset.
type TierPreset struct {
	Name     string
	MinSales decimal.Decimal
	Rate     decimal.Decimal
}

// StandardTiers is the default marketplace ladder.
func StandardTiers() []TierPreset {
	return []TierPreset{
		{Name: "Bronze", MinSales: decimal.Zero, Rate: decimal.RequireFromString("0.05")},
		{Name: "Silver", MinSales: decimal.NewFromInt(2000), Rate: decimal.RequireFromString("0.07")},
		{Name: "Gold", MinSales: decimal.NewFromInt(5000), Rate: decimal.RequireFromString("0.10")},
	}
}

// FlatTiers pays the same rate on every sale.
func FlatTiers(rate decimal.Decimal) []TierPreset {
	return []TierPreset{{Name: "Flat", MinSales: decimal.Zero, Rate: rate}}
}

// StandardTiersYAML returns StandardTiers as a tiers document.
func StandardTiersYAML() (string, error) {
	return TiersYAML(StandardTiers())
}

type presetDoc struct {
	Tiers []presetRow `yaml:"tiers"`
}

type presetRow struct {
	Name     string `yaml:"name"`
	MinSales string `yaml:"min_sales"`
	Rate     string `yaml:"rate"`
}

// TiersYAML renders presets in the tiers file format.
func TiersYAML(presets []TierPreset) (string, error) {
	doc := presetDoc{Tiers: make([]presetRow, 0, len(presets))}
	for _, p := range presets {
		doc.Tiers = append(doc.Tiers, presetRow{
			Name:     p.Name,
			MinSales: p.MinSales.String(),
			Rate:     p.Rate.String(),
		})
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render tier preset: %w", err)
	}
	return string(out), nil
}

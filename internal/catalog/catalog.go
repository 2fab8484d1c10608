// Package catalog provides the static, versioned upgrade catalog supplied by
// game-design configuration. Entries are validated when the catalog is built.
package catalog

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"economy-guard/internal/model"
)

// Catalog errors.
var (
	ErrDuplicateUpgrade   = errors.New("duplicate upgrade id")
	ErrUnknownRequirement = errors.New("requirement references unknown upgrade")
	ErrRequirementCycle   = errors.New("upgrade requirements form a cycle")
)

// Catalog is an immutable set of upgrade definitions.
type Catalog struct {
	version  string
	upgrades map[string]model.UpgradeDefinition
	order    []string
}

// file mirrors the YAML catalog layout.
type file struct {
	Version  string                    `mapstructure:"version"`
	Upgrades []model.UpgradeDefinition `mapstructure:"upgrades"`
}

var validate = validator.New()

// New builds a catalog, rejecting malformed entries, dangling requirements and cycles.
// Definitions keep the given order for display.
func New(version string, defs []model.UpgradeDefinition) (*Catalog, error) {
	c := &Catalog{
		version:  version,
		upgrades: make(map[string]model.UpgradeDefinition, len(defs)),
		order:    make([]string, 0, len(defs)),
	}
	for _, def := range defs {
		if err := validate.Struct(def); err != nil {
			return nil, fmt.Errorf("invalid upgrade %q: %w", def.ID, err)
		}
		if _, ok := c.upgrades[def.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUpgrade, def.ID)
		}
		def.Level = 0
		c.upgrades[def.ID] = def
		c.order = append(c.order, def.ID)
	}

	for _, id := range c.order {
		req := c.upgrades[id].Requires
		if req == nil {
			continue
		}
		if _, ok := c.upgrades[req.UpgradeID]; !ok {
			return nil, fmt.Errorf("%w: %s requires %s", ErrUnknownRequirement, id, req.UpgradeID)
		}
	}
	if err := c.checkAcyclic(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Catalog) checkAcyclic() error {
	for _, start := range c.order {
		seen := map[string]bool{start: true}
		for req := c.upgrades[start].Requires; req != nil; req = c.upgrades[req.UpgradeID].Requires {
			if seen[req.UpgradeID] {
				return fmt.Errorf("%w: via %s", ErrRequirementCycle, start)
			}
			seen[req.UpgradeID] = true
		}
	}
	return nil
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read upgrade catalog: %w", err)
	}

	var f file
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upgrade catalog: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("upgrade catalog %s has no version", path)
	}
	return New(f.Version, f.Upgrades)
}

// Version returns the catalog version string.
func (c *Catalog) Version() string {
	return c.version
}

// Get returns the definition for an upgrade ID.
func (c *Catalog) Get(id string) (model.UpgradeDefinition, bool) {
	def, ok := c.upgrades[id]
	return def, ok
}

// All returns every definition in display order.
func (c *Catalog) All() []model.UpgradeDefinition {
	out := make([]model.UpgradeDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.upgrades[id])
	}
	return out
}

// WithLevels returns every definition with Level set from levels, clamped to MaxLevel.
func (c *Catalog) WithLevels(levels map[string]int) []model.UpgradeDefinition {
	out := c.All()
	for i := range out {
		lvl := levels[out[i].ID]
		if lvl < 0 {
			lvl = 0
		}
		if lvl > out[i].MaxLevel {
			lvl = out[i].MaxLevel
		}
		out[i].Level = lvl
	}
	return out
}

// OfflineBonus sums the offline bonus granted by the given upgrade levels.
func (c *Catalog) OfflineBonus(levels map[string]int) float64 {
	bonus := 0.0
	for _, def := range c.WithLevels(levels) {
		bonus += def.OfflineBonusPerLevel * float64(def.Level)
	}
	return bonus
}

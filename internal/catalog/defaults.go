package catalog

import "economy-guard/internal/model"

// DefaultVersion identifies the built-in catalog.
const DefaultVersion = "builtin-1"

// Upgrade IDs of the built-in catalog.
const (
	UpgradePickaxe      = "pickaxe"
	UpgradeMiningCart   = "mining_cart"
	UpgradeDrill        = "drill"
	UpgradeExcavator    = "excavator"
	UpgradeEnergyCell   = "energy_cell"
	UpgradeOfflineVault = "offline_vault"
)

// defaultUpgrades is used when no catalog file is configured.
// Fourteen vault levels reach the 140% offline bonus cap.
var defaultUpgrades = []model.UpgradeDefinition{
	{
		ID:                   UpgradePickaxe,
		Name:                 "Pickaxe",
		BaseCost:             25,
		CostMultiplier:       1.12,
		MaxLevel:             100,
		PointsPerSecondBonus: 1,
	},
	{
		ID:                   UpgradeMiningCart,
		Name:                 "Mining Cart",
		BaseCost:             150,
		CostMultiplier:       1.15,
		MaxLevel:             75,
		Requires:             &model.Requirement{UpgradeID: UpgradePickaxe, Level: 5},
		PointsPerSecondBonus: 5,
	},
	{
		ID:                   UpgradeDrill,
		Name:                 "Drill",
		BaseCost:             1000,
		CostMultiplier:       1.18,
		MaxLevel:             50,
		Requires:             &model.Requirement{UpgradeID: UpgradeMiningCart, Level: 10},
		PointsPerSecondBonus: 25,
	},
	{
		ID:                   UpgradeExcavator,
		Name:                 "Excavator",
		BaseCost:             10000,
		CostMultiplier:       1.2,
		MaxLevel:             40,
		Requires:             &model.Requirement{UpgradeID: UpgradeDrill, Level: 10},
		PointsPerSecondBonus: 120,
	},
	{
		ID:             UpgradeEnergyCell,
		Name:           "Energy Cell",
		BaseCost:       200,
		CostMultiplier: 1.25,
		MaxLevel:       20,
		MaxEnergyBonus: 10,
	},
	{
		ID:                   UpgradeOfflineVault,
		Name:                 "Offline Vault",
		BaseCost:             500,
		CostMultiplier:       1.3,
		MaxLevel:             14,
		Requires:             &model.Requirement{UpgradeID: UpgradePickaxe, Level: 10},
		OfflineBonusPerLevel: 0.1,
	},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(DefaultVersion, defaultUpgrades)
	if err != nil {
		panic("built-in upgrade catalog is invalid: " + err.Error())
	}
	return c
}

package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ricaherr/aethelgard/internal/params"
)

// Seed installs the first-run rows: parameter version 1, the risk-state
// singleton and one enabled toggle per module. Safe to call on every
// startup; existing rows are left alone.
func (s *Store) Seed(ctx context.Context, equity decimal.Decimal, perTradePct, maxAccountPct float64) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		var versions int64
		if err := tx.Model(&ParamsVersion{}).Count(&versions).Error; err != nil {
			return err
		}
		if versions == 0 {
			row, err := encodeParams(params.Defaults(), "seed", "initial defaults")
			if err != nil {
				return err
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}

		rs := RiskState{
			ID:                1,
			Equity:            equity,
			PerTradeRiskPct:   perTradePct,
			MaxAccountRiskPct: maxAccountPct,
			UpdatedAt:         time.Now().UTC(),
		}
		if err := tx.Where("id = ?", 1).FirstOrCreate(&rs).Error; err != nil {
			return err
		}

		for _, module := range AllModules {
			t := ModuleToggle{Module: module, Enabled: true, UpdatedAt: time.Now().UTC()}
			if err := tx.Where("module = ?", module).FirstOrCreate(&t).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

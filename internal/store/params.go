package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ricaherr/aethelgard/internal/params"
)

// CurrentParams loads the highest-version parameter row and decodes it
// into the shared tunable set.
func (s *Store) CurrentParams(ctx context.Context) (params.Params, error) {
	var row ParamsVersion
	if err := s.read(ctx).Order("version DESC").First(&row).Error; err != nil {
		return params.Params{}, notFound(err)
	}
	return row.decode()
}

// SaveParams persists a new immutable parameter version and returns it
// with the assigned version number.
func (s *Store) SaveParams(ctx context.Context, p params.Params, source, note string) (params.Params, error) {
	row, err := encodeParams(p, source, note)
	if err != nil {
		return params.Params{}, err
	}
	if err := s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Create(row).Error
	}); err != nil {
		return params.Params{}, err
	}
	p.Version = int(row.Version)
	return p, nil
}

// AppendTuningLog records one tuner run.
func (s *Store) AppendTuningLog(ctx context.Context, entry *TuningLog) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Create(entry).Error
	})
}

// TuningLogEntries returns the newest tuner runs first.
func (s *Store) TuningLogEntries(ctx context.Context, limit int) ([]*TuningLog, error) {
	var out []*TuningLog
	err := s.read(ctx).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// SetModuleEnabled flips one pipeline module on or off.
func (s *Store) SetModuleEnabled(ctx context.Context, module string, enabled bool) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Save(&ModuleToggle{
			Module:    module,
			Enabled:   enabled,
			UpdatedAt: time.Now().UTC(),
		}).Error
	})
}

// ModuleEnabled reports a module's toggle; modules without a row
// default to enabled.
func (s *Store) ModuleEnabled(ctx context.Context, module string) (bool, error) {
	var t ModuleToggle
	err := s.read(ctx).First(&t, "module = ?", module).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return t.Enabled, nil
}

// ModuleToggles returns every toggle row.
func (s *Store) ModuleToggles(ctx context.Context) ([]*ModuleToggle, error) {
	var out []*ModuleToggle
	err := s.read(ctx).Order("module ASC").Find(&out).Error
	return out, err
}

// DisabledModules maps each disabled module to the time its toggle was
// last flipped.
func (s *Store) DisabledModules(ctx context.Context) (map[string]time.Time, error) {
	var rows []*ModuleToggle
	if err := s.read(ctx).Where("enabled = ?", false).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(rows))
	for _, t := range rows {
		out[t.Module] = t.UpdatedAt
	}
	return out, nil
}

// ModuleActivitySince counts the rows a module wrote after the cutoff.
// A disabled module with nonzero activity is incoherent.
func (s *Store) ModuleActivitySince(ctx context.Context, module string, since time.Time) (int64, error) {
	var count int64
	db := s.read(ctx)
	var err error
	switch module {
	case ModuleSignalFactory:
		err = db.Table("signals").Where("generated_at > ?", since).Count(&count).Error
	case ModuleExecutor:
		err = db.Table("position_metadata").Where("created_at > ?", since).Count(&count).Error
	case ModulePositionManager:
		err = db.Table("positions").Where("last_modified > ?", since).Count(&count).Error
	case ModuleClosure:
		err = db.Table("trade_results").Where("created_at > ?", since).Count(&count).Error
	case ModuleTuner:
		err = db.Table("tuning_log").Where("created_at > ?", since).Count(&count).Error
	default:
		// Scanner, jury and risk leave no rows of their own.
		return 0, nil
	}
	return count, err
}

func encodeParams(p params.Params, source, note string) (*ParamsVersion, error) {
	weights, err := json.Marshal(p.RegimeWeights)
	if err != nil {
		return nil, fmt.Errorf("encode regime weights: %w", err)
	}
	trailing, err := json.Marshal(p.TrailingMult)
	if err != nil {
		return nil, fmt.Errorf("encode trailing multipliers: %w", err)
	}
	return &ParamsVersion{
		ADXThreshold:     p.ADXThreshold,
		HighVolCutoff:    p.HighVolCutoff,
		SlopeMinPct:      p.SlopeMinPct,
		BandWidthPct:     p.BandWidthPct,
		ShockFactor:      p.ShockFactor,
		MinScore:         p.MinScore,
		PerTradeRiskPct:  p.PerTradeRiskPct,
		ATRMultiplier:    p.ATRMultiplier,
		BreakevenATRMult: p.BreakevenATRMult,
		RegimeWeights:    string(weights),
		TrailingMults:    string(trailing),
		Source:           source,
		Note:             note,
	}, nil
}

func (row *ParamsVersion) decode() (params.Params, error) {
	p := params.Params{
		Version:          int(row.Version),
		ADXThreshold:     row.ADXThreshold,
		HighVolCutoff:    row.HighVolCutoff,
		SlopeMinPct:      row.SlopeMinPct,
		BandWidthPct:     row.BandWidthPct,
		ShockFactor:      row.ShockFactor,
		MinScore:         row.MinScore,
		PerTradeRiskPct:  row.PerTradeRiskPct,
		ATRMultiplier:    row.ATRMultiplier,
		BreakevenATRMult: row.BreakevenATRMult,
	}
	if row.RegimeWeights != "" {
		if err := json.Unmarshal([]byte(row.RegimeWeights), &p.RegimeWeights); err != nil {
			return params.Params{}, fmt.Errorf("decode regime weights v%d: %w", row.Version, err)
		}
	}
	if row.TrailingMults != "" {
		if err := json.Unmarshal([]byte(row.TrailingMults), &p.TrailingMult); err != nil {
			return params.Params{}, fmt.Errorf("decode trailing multipliers v%d: %w", row.Version, err)
		}
	}
	return p, nil
}

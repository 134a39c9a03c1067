package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ricaherr/aethelgard/internal/regime"
)

// SaveRegimeSample persists one classification for audit and tuning.
func (s *Store) SaveRegimeSample(ctx context.Context, sample regime.Sample) error {
	row := &RegimeSample{
		Symbol:    sample.Symbol,
		Timeframe: string(sample.Timeframe),
		Label:     sample.Label,
		ADX:       sample.ADX,
		ATR:       sample.ATR,
		ATRPct:    sample.ATRPct,
		SMAShort:  sample.SMAShort,
		SMALong:   sample.SMALong,
		SlopePct:  sample.SlopePct,
		At:        sample.Time,
	}
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Create(row).Error
	})
}

// RegimeSamplesFor returns the persisted classifications of one symbol
// and timeframe after the cutoff, newest first.
func (s *Store) RegimeSamplesFor(ctx context.Context, symbol string, timeframe string, since time.Time, limit int) ([]*RegimeSample, error) {
	var out []*RegimeSample
	err := s.read(ctx).
		Where("symbol = ? AND timeframe = ? AND at > ?", symbol, timeframe, since).
		Order("at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

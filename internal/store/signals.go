package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/signal"
)

// InsertSignal persists a freshly built signal row.
func (s *Store) InsertSignal(ctx context.Context, sig *signal.Signal) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Create(sig).Error
	})
}

// HasRecentDuplicate reports whether an identical (symbol, direction,
// strategy, timeframe) signal was emitted after the given cutoff,
// regardless of how that earlier signal ended up.
func (s *Store) HasRecentDuplicate(ctx context.Context, symbol string, dir market.Direction, strat string, tf market.Timeframe, since time.Time) (bool, error) {
	var count int64
	err := s.read(ctx).Model(&signal.Signal{}).
		Where("symbol = ? AND direction = ? AND strategy = ? AND timeframe = ? AND generated_at > ?",
			symbol, dir, strat, tf, since).
		Count(&count).Error
	return count > 0, err
}

// GetSignal loads one signal by id.
func (s *Store) GetSignal(ctx context.Context, id string) (*signal.Signal, error) {
	var sig signal.Signal
	if err := s.read(ctx).First(&sig, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sig, nil
}

// MarkSignalRejected moves a PENDING signal to REJECTED with a reason.
func (s *Store) MarkSignalRejected(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, signal.StatusRejected, map[string]interface{}{
		"status": signal.StatusRejected,
		"reject": reason,
	})
}

// ExpireSignal moves a PENDING signal to EXPIRED.
func (s *Store) ExpireSignal(ctx context.Context, id string) error {
	return s.transition(ctx, id, signal.StatusExpired, map[string]interface{}{
		"status": signal.StatusExpired,
	})
}

// transition enforces the monotone status machine inside the write
// lock.
func (s *Store) transition(ctx context.Context, id string, to signal.Status, updates map[string]interface{}) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		var sig signal.Signal
		if err := tx.First(&sig, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if !sig.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrBadTransition, sig.Status, to, id)
		}
		return tx.Model(&signal.Signal{}).Where("id = ?", id).Updates(updates).Error
	})
}

// PendingSignals returns every signal still awaiting execution.
func (s *Store) PendingSignals(ctx context.Context) ([]*signal.Signal, error) {
	var sigs []*signal.Signal
	err := s.read(ctx).
		Where("status = ?", signal.StatusPending).
		Order("generated_at ASC").
		Find(&sigs).Error
	return sigs, err
}

// RecentSignals returns the newest signals first.
func (s *Store) RecentSignals(ctx context.Context, limit int) ([]*signal.Signal, error) {
	var sigs []*signal.Signal
	err := s.read(ctx).
		Order("generated_at DESC").
		Limit(limit).
		Find(&sigs).Error
	return sigs, err
}

// ExecutedSignalsWithoutTicket is the coherence cross-check query: any
// EXECUTED signal generated before the cutoff whose ticket was never
// back-written.
func (s *Store) ExecutedSignalsWithoutTicket(ctx context.Context, generatedBefore time.Time) ([]*signal.Signal, error) {
	var sigs []*signal.Signal
	err := s.read(ctx).
		Where("status = ? AND (ticket IS NULL OR ticket = '') AND generated_at < ?",
			signal.StatusExecuted, generatedBefore).
		Find(&sigs).Error
	return sigs, err
}

// DistinctSignalSymbolsSince lists the distinct symbols persisted
// after the cutoff, canonical or not.
func (s *Store) DistinctSignalSymbolsSince(ctx context.Context, since time.Time) ([]string, error) {
	var symbols []string
	err := s.read(ctx).Model(&signal.Signal{}).
		Where("generated_at > ?", since).
		Distinct("symbol").
		Pluck("symbol", &symbols).Error
	return symbols, err
}

// CountSignalsSince counts rows created after the cutoff; used by the
// module-toggle cross-check.
func (s *Store) CountSignalsSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.read(ctx).Model(&signal.Signal{}).
		Where("generated_at > ?", since).
		Count(&count).Error
	return count, err
}

// UpsertAssetProfile writes one profile, replacing any previous row.
func (s *Store) UpsertAssetProfile(ctx context.Context, p *asset.Profile) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Save(p).Error
	})
}

// AssetProfiles loads every stored profile.
func (s *Store) AssetProfiles(ctx context.Context) ([]*asset.Profile, error) {
	var profiles []*asset.Profile
	err := s.read(ctx).Find(&profiles).Error
	return profiles, err
}

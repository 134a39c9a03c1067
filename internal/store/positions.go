package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ricaherr/aethelgard/internal/signal"
)

// SavePositionMetadata writes the pre-acknowledgement record with
// status OPENING. Must happen before the broker call.
func (s *Store) SavePositionMetadata(ctx context.Context, meta *PositionMetadata) error {
	meta.Status = MetadataOpening
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Create(meta).Error
	})
}

// GetPositionMetadata loads the execution record for a signal.
func (s *Store) GetPositionMetadata(ctx context.Context, signalID string) (*PositionMetadata, error) {
	var meta PositionMetadata
	if err := s.read(ctx).First(&meta, "signal_id = ?", signalID).Error; err != nil {
		return nil, notFound(err)
	}
	return &meta, nil
}

// CompleteExecution finalizes a successful order in one transaction:
// metadata OPENING -> OPEN with the ticket, the supervised position
// row is created, and the signal advances to EXECUTED.
func (s *Store) CompleteExecution(ctx context.Context, signalID, ticket string, pos *Position) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&PositionMetadata{}).
			Where("signal_id = ?", signalID).
			Updates(map[string]interface{}{"status": MetadataOpen, "ticket": ticket}).Error; err != nil {
			return err
		}

		pos.Status = PositionOpen
		if err := tx.Create(pos).Error; err != nil {
			return err
		}

		var sig signal.Signal
		if err := tx.First(&sig, "id = ?", signalID).Error; err != nil {
			return notFound(err)
		}
		if !sig.Status.CanTransition(signal.StatusExecuted) {
			return ErrBadTransition
		}
		return tx.Model(&signal.Signal{}).
			Where("id = ?", signalID).
			Updates(map[string]interface{}{"status": signal.StatusExecuted, "ticket": ticket}).Error
	})
}

// FailExecution marks the metadata FAILED and rejects the signal after
// a broker order error.
func (s *Store) FailExecution(ctx context.Context, signalID, reason string) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&PositionMetadata{}).
			Where("signal_id = ?", signalID).
			Updates(map[string]interface{}{"status": MetadataFailed, "error": reason}).Error; err != nil {
			return err
		}
		var sig signal.Signal
		if err := tx.First(&sig, "id = ?", signalID).Error; err != nil {
			return notFound(err)
		}
		if !sig.Status.CanTransition(signal.StatusRejected) {
			return ErrBadTransition
		}
		return tx.Model(&signal.Signal{}).
			Where("id = ?", signalID).
			Updates(map[string]interface{}{"status": signal.StatusRejected, "reject": reason}).Error
	})
}

// FailStaleOpeningMetadata sweeps OPENING rows older than the cutoff,
// the leftovers of a crash between persist and acknowledgement.
// Returns how many rows were failed.
func (s *Store) FailStaleOpeningMetadata(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := s.withWrite(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&PositionMetadata{}).
			Where("status = ? AND created_at < ?", MetadataOpening, olderThan).
			Updates(map[string]interface{}{"status": MetadataFailed, "error": "stale after restart"})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// UpsertPosition writes a supervised position row. Used at execution
// and by orphan sync; InitialRisk on an existing row is never touched.
func (s *Store) UpsertPosition(ctx context.Context, pos *Position) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		var existing Position
		err := tx.First(&existing, "ticket = ?", pos.Ticket).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(pos).Error
		}
		if err != nil {
			return err
		}
		// Select("*") forces zero-valued fields through; InitialRisk
		// and the open timestamps stay untouched.
		return tx.Model(&Position{}).Where("ticket = ?", pos.Ticket).
			Select("*").
			Omit("initial_risk", "open_time", "created_at", "ticket").
			Updates(pos).Error
	})
}

// GetPosition loads one supervised row by ticket.
func (s *Store) GetPosition(ctx context.Context, ticket string) (*Position, error) {
	var pos Position
	if err := s.read(ctx).First(&pos, "ticket = ?", ticket).Error; err != nil {
		return nil, notFound(err)
	}
	return &pos, nil
}

// OpenPositions returns all supervised rows still marked OPEN.
func (s *Store) OpenPositions(ctx context.Context) ([]*Position, error) {
	var out []*Position
	err := s.read(ctx).
		Where("status = ?", PositionOpen).
		Order("open_time ASC").
		Find(&out).Error
	return out, err
}

// ApplyBracket persists an accepted SL/TP modification: new bracket,
// modification counters, cleared reject streak.
func (s *Store) ApplyBracket(ctx context.Context, ticket string, sl, tp decimal.Decimal, at time.Time) error {
	day := at.UTC().Format("2006-01-02")
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		var pos Position
		if err := tx.First(&pos, "ticket = ?", ticket).Error; err != nil {
			return notFound(err)
		}
		mods := pos.ModsFor(day) + 1
		return tx.Model(&Position{}).Where("ticket = ?", ticket).
			Updates(map[string]interface{}{
				"stop_loss":     sl,
				"take_profit":   tp,
				"last_modified": at,
				"mods_today":    mods,
				"mods_date":     day,
				"reject_streak": 0,
				"contested":     false,
			}).Error
	})
}

// RecordModifyReject restores the previous bracket after a broker
// rejection and advances the reject streak; at the given threshold the
// position is marked CONTESTED.
func (s *Store) RecordModifyReject(ctx context.Context, ticket string, prevSL, prevTP decimal.Decimal, contestAfter int) (contested bool, err error) {
	err = s.withWrite(ctx, func(tx *gorm.DB) error {
		var pos Position
		if err := tx.First(&pos, "ticket = ?", ticket).Error; err != nil {
			return notFound(err)
		}
		streak := pos.RejectStreak + 1
		contested = streak >= contestAfter
		return tx.Model(&Position{}).Where("ticket = ?", ticket).
			Updates(map[string]interface{}{
				"stop_loss":     prevSL,
				"take_profit":   prevTP,
				"reject_streak": streak,
				"contested":     contested,
			}).Error
	})
	return contested, err
}

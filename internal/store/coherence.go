package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/ricaherr/aethelgard/internal/coherence"
)

// RecordCoherenceEvent persists one detected fault.
func (s *Store) RecordCoherenceEvent(ctx context.Context, ev *coherence.Event) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Create(ev).Error
	})
}

// RecentCoherenceEvents returns the newest faults first.
func (s *Store) RecentCoherenceEvents(ctx context.Context, limit int) ([]*coherence.Event, error) {
	var out []*coherence.Event
	err := s.read(ctx).Order("observed_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

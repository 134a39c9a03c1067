// Package coherence cross-checks that the pipeline stages stay in
// agreement and records an event whenever they drift apart.
package coherence

import "time"

// Kind names the incoherence a cross-check observed.
type Kind string

const (
	// KindUnnormalizedSymbol marks a symbol that reached persistence
	// in a non-canonical spelling.
	KindUnnormalizedSymbol Kind = "UNNORMALIZED_SYMBOL"

	// KindExecutedWithoutTicket marks a signal in EXECUTED state with
	// no broker ticket attached.
	KindExecutedWithoutTicket Kind = "EXECUTED_WITHOUT_TICKET"

	// KindPendingTimeout marks a PENDING signal older than its
	// timeframe allows.
	KindPendingTimeout Kind = "PENDING_TIMEOUT"

	// KindModuleMismatch marks store activity from a module whose
	// toggle says it is disabled.
	KindModuleMismatch Kind = "MODULE_MISMATCH"
)

// Event is one observed incoherence, persisted for the audit trail.
type Event struct {
	ID         string `gorm:"primaryKey"`
	TraceID    string
	Symbol     string
	Strategy   string
	Kind       Kind `gorm:"index"`
	Detail     string
	ObservedAt time.Time `gorm:"index"`
}

// TableName fixes the persisted table name.
func (Event) TableName() string { return "coherence_events" }

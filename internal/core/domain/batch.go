package domain

import "time"

// InventoryBatch is one receipt lot of a material at a location.
type InventoryBatch struct {
	ID           string
	MaterialCode string
	FactoryScope string
	Location     string
	BatchKey     string // week(2) + sequence(4), older sorts smaller
	OpeningStock int
	Received     int
	Consumed     int
	Adjustment   int
	Version      int // bumped on every conditional update
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Stock is the derived on-hand quantity of the batch.
func (b InventoryBatch) Stock() int {
	return b.OpeningStock + b.Received - b.Consumed - b.Adjustment
}

// Scope narrows a batch query. Empty fields match any value.
type Scope struct {
	FactoryScope string `json:"factory_scope,omitempty"`
	Location     string `json:"location,omitempty"`
}

func (s Scope) Matches(b InventoryBatch) bool {
	if s.FactoryScope != "" && s.FactoryScope != b.FactoryScope {
		return false
	}
	if s.Location != "" && s.Location != b.Location {
		return false
	}
	return true
}

package domain

import "time"

// ConsumptionRecord is the persisted effect of one committed allocation line.
// Unique per (Token, BatchKey, Kind); never updated, only superseded.
type ConsumptionRecord struct {
	ID           string       `json:"id"`
	Token        string       `json:"token"`
	MaterialCode string       `json:"material_code"`
	BatchKey     string       `json:"batch_key"`
	Kind         LineKind     `json:"kind"`
	Quantity     int          `json:"quantity"`
	Sources      []BatchShare `json:"sources"`
	CreatedAt    time.Time    `json:"created_at"`
}

// RecordFilter selects consumption records. Empty fields match any value.
type RecordFilter struct {
	Token        string
	MaterialCode string
}

func (f RecordFilter) Matches(r ConsumptionRecord) bool {
	if f.Token != "" && f.Token != r.Token {
		return false
	}
	if f.MaterialCode != "" && f.MaterialCode != r.MaterialCode {
		return false
	}
	return true
}

// CommitResult is returned once every line of a plan is persisted.
type CommitResult struct {
	Token      string              `json:"token"`
	Records    []ConsumptionRecord `json:"records"`
	Superseded int                 `json:"superseded"`
}

package domain

// LineKind classifies an allocation line and the consumption record written for it.
type LineKind string

const (
	LineKindFullContainer LineKind = "full-container"
	LineKindRemainder     LineKind = "remainder"
	LineKindSingle        LineKind = "single"
)

// AllocationRequest is a caller's ask for a quantity of one material.
type AllocationRequest struct {
	MaterialCode     string `json:"material_code" validate:"required"`
	RequiredQuantity int    `json:"required_quantity" validate:"gt=0"`
	Scope            Scope  `json:"scope"`
	ContainerSize    int    `json:"container_size,omitempty" validate:"gte=0"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

// BatchShare is the part of a line drawn from one stored batch record.
type BatchShare struct {
	BatchID  string `json:"batch_id"`
	Quantity int    `json:"quantity"`
}

// AllocationLine takes Quantity units from the logical lot BatchKey.
// Sources lists the stored records backing the lot, oldest identity first,
// and always sums to Quantity.
type AllocationLine struct {
	BatchKey string       `json:"batch_key"`
	Kind     LineKind     `json:"kind"`
	Quantity int          `json:"quantity"`
	Sources  []BatchShare `json:"sources"`
}

// AllocationPlan is the FIFO-ordered result of planning a request.
type AllocationPlan struct {
	MaterialCode     string           `json:"material_code"`
	RequiredQuantity int              `json:"required_quantity"`
	Lines            []AllocationLine `json:"lines"`
	Fulfilled        int              `json:"fulfilled"`
	Shortage         int              `json:"shortage"`
}

// Complete reports whether the plan covers the whole request.
func (p AllocationPlan) Complete() bool {
	return p.Shortage == 0
}

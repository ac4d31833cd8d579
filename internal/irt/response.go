package irt

import "time"

// Response records one scored answer. Params is a snapshot of the item's
// parameters at answer time, so later item edits do not change history.
type Response struct {
	ItemID      string    `json:"item_id"`
	Correct     bool      `json:"correct"`
	Params      Params    `json:"params"`
	ItemVersion string    `json:"item_version,omitempty"`
	Category    string    `json:"category,omitempty"`
	AnsweredAt  time.Time `json:"answered_at"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
}

// NewResponse builds a response for item, snapshotting its parameters.
func NewResponse(item Item, correct bool, answeredAt time.Time, durationMs int64) Response {
	return Response{
		ItemID:      item.ID,
		Correct:     correct,
		Params:      item.Params,
		ItemVersion: item.Fingerprint(),
		Category:    item.Category,
		AnsweredAt:  answeredAt,
		DurationMs:  durationMs,
	}
}

package types

import "time"

// Entity carries creation and modification timestamps. Embed it in stored
// domain types.
type Entity struct {
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// NewEntity creates a new Entity stamped with the given time (UTC).
func NewEntity(now time.Time) Entity {
	now = now.UTC()
	return Entity{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch updates the UpdatedAt timestamp.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now.UTC()
}

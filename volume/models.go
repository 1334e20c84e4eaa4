// Package volume records one audit entry per ancestor credited by a
// propagation.
package volume

import (
	"time"

	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/tree"
)

type Reason string

const (
	ReasonSale       Reason = "sale"
	ReasonActivation Reason = "activation"
	ReasonAdjustment Reason = "adjustment"
	ReasonRepurchase Reason = "repurchase"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonSale, ReasonActivation, ReasonAdjustment, ReasonRepurchase:
		return true
	}
	return false
}

type Entry struct {
	ID           id.VolumeEntryID `json:"id"`
	UserID       string           `json:"user_id"`
	SourceUserID string           `json:"source_user_id"`
	Leg          tree.Leg         `json:"leg"`
	BV           int64            `json:"bv"`
	PV           int64            `json:"pv"`
	Reason       Reason           `json:"reason"`
	ReferenceID  string           `json:"reference_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

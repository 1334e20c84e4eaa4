package bonus

import "github.com/xraph/bonus/id"

// ID is the identifier type for records the engine creates.
type ID = id.ID

// PayoutID identifies a payout record.
type PayoutID = id.PayoutID

// ParsePayoutID parses a "pay_" TypeID.
var ParsePayoutID = id.ParsePayoutID

// Package id defines TypeID-based identity types for records the engine creates.
//
// Users and tree nodes are identified by the host application's own identity
// strings. Everything the engine writes itself (payout records, volume audit
// entries, rank changes) gets a K-sortable, prefix-qualified TypeID in the
// format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for engine-created records.
const (
	PrefixPayout      Prefix = "pay" // Payout ledger record
	PrefixVolumeEntry Prefix = "vol" // Volume credit audit entry
	PrefixRankChange  Prefix = "rnk" // Rank promotion
)

// ID is the primary identifier type for engine-created records.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "pay_01h2xcejqtf2nbrexx3vqjhp41").
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// PayoutID identifies a payout record (prefix: "pay").
type PayoutID = ID

// VolumeEntryID identifies a volume audit entry (prefix: "vol").
type VolumeEntryID = ID

// RankChangeID identifies a rank promotion (prefix: "rnk").
type RankChangeID = ID

// NewPayoutID generates a new unique payout ID.
func NewPayoutID() ID { return New(PrefixPayout) }

// NewVolumeEntryID generates a new unique volume entry ID.
func NewVolumeEntryID() ID { return New(PrefixVolumeEntry) }

// NewRankChangeID generates a new unique rank change ID.
func NewRankChangeID() ID { return New(PrefixRankChange) }

// ParsePayoutID parses a string and validates the "pay" prefix.
func ParsePayoutID(s string) (ID, error) { return ParseWithPrefix(s, PrefixPayout) }

// ParseVolumeEntryID parses a string and validates the "vol" prefix.
func ParseVolumeEntryID(s string) (ID, error) { return ParseWithPrefix(s, PrefixVolumeEntry) }

// ParseRankChangeID parses a string and validates the "rnk" prefix.
func ParseRankChangeID(s string) (ID, error) { return ParseWithPrefix(s, PrefixRankChange) }

// String returns the full TypeID string, or "" for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer. The Nil ID is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}

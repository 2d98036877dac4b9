package split

import (
	"math"
	"slices"

	"github.com/shopspring/decimal"
)

const (
	// DefaultParticipants is the number of people a receipt is split between
	DefaultParticipants = 4

	// MaxParticipants bounds the participant slots of one receipt
	MaxParticipants = 100

	// MaxWeight bounds a single participant's weight on an item
	MaxWeight = 1000
)

// ItemID identifies a line item within one engine. IDs are assigned in insertion order and never reused.
type ItemID int

// LineItem is one priced entry on a receipt, or a manually added row
type LineItem struct {
	ID   ItemID
	Name string
	// Amount is signed; negative amounts are discounts
	Amount decimal.Decimal
	// Weights holds one weight in [0, MaxWeight] per participant slot. 0 means not participating.
	Weights []int
}

// TotalWeight returns the sum of the item's weights
func (i LineItem) TotalWeight() int {
	total := 0
	for _, w := range i.Weights {
		total += w
	}
	return total
}

// Allocated reports whether at least one participant shares the item
func (i LineItem) Allocated() bool {
	return i.TotalWeight() > 0
}

func (i LineItem) clone() LineItem {
	i.Weights = slices.Clone(i.Weights)
	return i
}

// State is a read-only snapshot of an engine
type State struct {
	Participants  int
	Items         []LineItem
	DeclaredTotal decimal.Decimal
}

// Shares is the result of allocating every item to the participants.
// All values are rounded to two decimal places.
type Shares struct {
	PerPerson  []decimal.Decimal
	GrandTotal decimal.Decimal
	// Unallocated is the sum of items nobody has been assigned to
	Unallocated   decimal.Decimal
	DeclaredTotal decimal.Decimal
	// Drift is GrandTotal minus DeclaredTotal; non-zero once the items were edited away from the receipt
	Drift decimal.Decimal
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

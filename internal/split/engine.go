package split

import (
	"github.com/shopspring/decimal"
)

// displayPlaces is the number of decimal places shares are rounded to on output
const displayPlaces = 2

// Engine owns the editable split state of one receipt.
//
// Every method runs to completion synchronously. An Engine is not safe for
// concurrent use; callers serialize events into it.
type Engine struct {
	participants  int
	items         []LineItem
	nextID        ItemID
	declaredTotal decimal.Decimal
}

// NewEngine creates an empty engine for the given number of participants.
// A non-positive count falls back to DefaultParticipants and counts above
// MaxParticipants are capped.
func NewEngine(participants int) *Engine {
	if participants <= 0 {
		participants = DefaultParticipants
	}
	participants = min(participants, MaxParticipants)
	return &Engine{
		participants: participants,
		nextID:       1,
	}
}

// Participants returns the number of participant slots per item
func (e *Engine) Participants() int {
	return e.participants
}

// AddItem appends an item with zero weights and returns its id
func (e *Engine) AddItem(name string, amount float64) (ItemID, error) {
	if !finite(amount) {
		return 0, invalid("amount %v is not a finite number", amount)
	}
	return e.appendItem(name, decimal.NewFromFloat(amount)), nil
}

func (e *Engine) appendItem(name string, amount decimal.Decimal) ItemID {
	id := e.nextID
	e.nextID++
	e.items = append(e.items, LineItem{
		ID:      id,
		Name:    name,
		Amount:  amount,
		Weights: make([]int, e.participants),
	})
	return id
}

// RemoveItem deletes an item. Removing an unknown id is a no-op.
func (e *Engine) RemoveItem(id ItemID) {
	idx := e.indexOf(id)
	if idx < 0 {
		return
	}
	e.items = append(e.items[:idx], e.items[idx+1:]...)
}

// Rename replaces an item's name
func (e *Engine) Rename(id ItemID, name string) error {
	idx := e.indexOf(id)
	if idx < 0 {
		return notFound(id)
	}
	e.items[idx].Name = name
	return nil
}

// SetAmount replaces an item's amount. Zero and negative amounts are allowed.
func (e *Engine) SetAmount(id ItemID, amount float64) error {
	if !finite(amount) {
		return invalid("amount %v is not a finite number", amount)
	}
	idx := e.indexOf(id)
	if idx < 0 {
		return notFound(id)
	}
	e.items[idx].Amount = decimal.NewFromFloat(amount)
	return nil
}

// SetWeight sets one participant's weight on one item
func (e *Engine) SetWeight(id ItemID, participant, weight int) error {
	if err := e.checkParticipant(participant); err != nil {
		return err
	}
	if err := checkWeight(weight); err != nil {
		return err
	}
	idx := e.indexOf(id)
	if idx < 0 {
		return notFound(id)
	}
	e.items[idx].Weights[participant] = weight
	return nil
}

// ToggleParticipant flips a participant in or out of an item, checkbox style:
// a zero weight becomes 1, any positive weight becomes 0.
func (e *Engine) ToggleParticipant(id ItemID, participant int) error {
	if err := e.checkParticipant(participant); err != nil {
		return err
	}
	idx := e.indexOf(id)
	if idx < 0 {
		return notFound(id)
	}
	w := &e.items[idx].Weights[participant]
	if *w == 0 {
		*w = 1
	} else {
		*w = 0
	}
	return nil
}

// SetAllParticipant applies weight to the participant's slot on every item
func (e *Engine) SetAllParticipant(participant, weight int) error {
	if err := e.checkParticipant(participant); err != nil {
		return err
	}
	if err := checkWeight(weight); err != nil {
		return err
	}
	for i := range e.items {
		e.items[i].Weights[participant] = weight
	}
	return nil
}

// SetDeclaredTotal replaces the receipt's declared total
func (e *Engine) SetDeclaredTotal(total float64) error {
	if !finite(total) {
		return invalid("total %v is not a finite number", total)
	}
	e.declaredTotal = decimal.NewFromFloat(total)
	return nil
}

// DeclaredTotal returns the total printed on the receipt
func (e *Engine) DeclaredTotal() decimal.Decimal {
	return e.declaredTotal
}

// Reset clears every weight. Items and amounts are kept.
func (e *Engine) Reset() {
	for i := range e.items {
		clear(e.items[i].Weights)
	}
}

// Item returns a copy of one item
func (e *Engine) Item(id ItemID) (LineItem, error) {
	idx := e.indexOf(id)
	if idx < 0 {
		return LineItem{}, notFound(id)
	}
	return e.items[idx].clone(), nil
}

// Len returns the number of items
func (e *Engine) Len() int {
	return len(e.items)
}

// Snapshot returns a deep copy of the current state
func (e *Engine) Snapshot() State {
	items := make([]LineItem, len(e.items))
	for i, item := range e.items {
		items[i] = item.clone()
	}
	return State{
		Participants:  e.participants,
		Items:         items,
		DeclaredTotal: e.declaredTotal,
	}
}

// Shares allocates every item to its participants in proportion to their weights.
//
// Sums are accumulated unrounded; rounding to cents happens once per output
// value, half away from zero. Items without any weight count toward the grand
// total only. Shares does not modify the engine.
func (e *Engine) Shares() Shares {
	perPerson := make([]decimal.Decimal, e.participants)
	grand := decimal.Zero
	unallocated := decimal.Zero

	for _, item := range e.items {
		grand = grand.Add(item.Amount)

		total := item.TotalWeight()
		if total == 0 {
			unallocated = unallocated.Add(item.Amount)
			continue
		}
		divisor := decimal.NewFromInt(int64(total))
		for p, w := range item.Weights {
			if w == 0 {
				continue
			}
			share := item.Amount.Mul(decimal.NewFromInt(int64(w))).Div(divisor)
			perPerson[p] = perPerson[p].Add(share)
		}
	}

	for p := range perPerson {
		perPerson[p] = perPerson[p].Round(displayPlaces)
	}
	grandRounded := grand.Round(displayPlaces)
	declared := e.declaredTotal.Round(displayPlaces)

	return Shares{
		PerPerson:     perPerson,
		GrandTotal:    grandRounded,
		Unallocated:   unallocated.Round(displayPlaces),
		DeclaredTotal: declared,
		Drift:         grandRounded.Sub(declared),
	}
}

func (e *Engine) checkParticipant(participant int) error {
	if participant < 0 || participant >= e.participants {
		return invalid("participant %d out of range [0, %d)", participant, e.participants)
	}
	return nil
}

func checkWeight(weight int) error {
	if weight < 0 || weight > MaxWeight {
		return invalid("weight %d out of range [0, %d]", weight, MaxWeight)
	}
	return nil
}

func (e *Engine) indexOf(id ItemID) int {
	for i := range e.items {
		if e.items[i].ID == id {
			return i
		}
	}
	return -1
}

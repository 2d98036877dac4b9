package split

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// document is the JSON save/restore format of an engine
type document struct {
	Participants  int            `json:"participants,omitempty"`
	Items         []documentItem `json:"items"`
	DeclaredTotal float64        `json:"declaredTotal"`
	NextID        ItemID         `json:"nextId,omitempty"`
}

type documentItem struct {
	ID      ItemID  `json:"id,omitempty"`
	Name    string  `json:"name"`
	Amount  float64 `json:"amount"`
	Weights []int   `json:"weights"`
}

// MarshalJSON encodes the engine as
// {"participants":4,"items":[{"id":1,"name":"Milk","amount":3,"weights":[0,0,0,0]}],"declaredTotal":3}
func (e *Engine) MarshalJSON() ([]byte, error) {
	doc := document{
		Participants:  e.participants,
		Items:         make([]documentItem, len(e.items)),
		DeclaredTotal: e.declaredTotal.InexactFloat64(),
		NextID:        e.nextID,
	}
	for i, item := range e.items {
		doc.Items[i] = documentItem{
			ID:      item.ID,
			Name:    item.Name,
			Amount:  item.Amount.InexactFloat64(),
			Weights: item.Weights,
		}
	}
	return json.Marshal(doc)
}

// Restore decodes an engine saved with MarshalJSON.
//
// Item ids are kept when present and unique; items without an id get fresh
// ones after both the highest id seen and the saved id counter, so ids of
// removed items stay retired. A missing participant count means
// DefaultParticipants; counts outside [1, MaxParticipants] are rejected.
func Restore(data []byte) (*Engine, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding split state: %v", ErrInvalidArgument, err)
	}
	if doc.Participants < 0 || doc.Participants > MaxParticipants {
		return nil, invalid("participant count %d out of range [1, %d]", doc.Participants, MaxParticipants)
	}

	e := NewEngine(doc.Participants)
	if !finite(doc.DeclaredTotal) {
		return nil, invalid("declared total is not a finite number")
	}
	e.declaredTotal = decimal.NewFromFloat(doc.DeclaredTotal)
	if doc.NextID > e.nextID {
		e.nextID = doc.NextID
	}

	seen := make(map[ItemID]bool, len(doc.Items))
	for _, di := range doc.Items {
		if di.ID < 0 {
			return nil, invalid("item id %d is negative", di.ID)
		}
		if di.ID != 0 && seen[di.ID] {
			return nil, invalid("duplicate item id %d", di.ID)
		}
		seen[di.ID] = true
		if di.ID >= e.nextID {
			e.nextID = di.ID + 1
		}
	}

	for _, di := range doc.Items {
		if len(di.Weights) == 0 {
			di.Weights = make([]int, e.participants)
		}
		if len(di.Weights) != e.participants {
			return nil, invalid("item %q has %d weights, want %d", di.Name, len(di.Weights), e.participants)
		}
		for _, w := range di.Weights {
			if err := checkWeight(w); err != nil {
				return nil, fmt.Errorf("item %q: %w", di.Name, err)
			}
		}
		if !finite(di.Amount) {
			return nil, invalid("item %q amount is not a finite number", di.Name)
		}

		id := di.ID
		if id == 0 {
			id = e.nextID
			e.nextID++
		}
		e.items = append(e.items, LineItem{
			ID:      id,
			Name:    di.Name,
			Amount:  decimal.NewFromFloat(di.Amount),
			Weights: append([]int(nil), di.Weights...),
		})
	}
	return e, nil
}

package split

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Product is one line of OCR output
type Product struct {
	Name  string  `json:"product"`
	Price float64 `json:"price"`
}

// Ingest builds an engine with DefaultParticipants from OCR output
func Ingest(products []Product, declaredTotal float64) (*Engine, error) {
	return IngestWithParticipants(products, declaredTotal, DefaultParticipants)
}

// IngestWithParticipants builds an engine from OCR output.
//
// Products with the same name are merged into one item whose amount is the
// sum of their prices, positioned where the name was first seen. OCR often
// reports a quantity of two as two identical lines. The declared total is
// kept as-is and never derived from the items.
func IngestWithParticipants(products []Product, declaredTotal float64, participants int) (*Engine, error) {
	if len(products) == 0 {
		return nil, &IngestError{Reason: "no items extracted"}
	}
	if !finite(declaredTotal) {
		return nil, &IngestError{Reason: "total amount is not a finite number"}
	}

	type merged struct {
		name   string
		amount decimal.Decimal
	}
	order := make([]*merged, 0, len(products))
	byName := make(map[string]*merged, len(products))

	for _, p := range products {
		if !finite(p.Price) {
			return nil, &IngestError{Reason: fmt.Sprintf("price of %q is not a finite number", p.Name)}
		}
		price := decimal.NewFromFloat(p.Price)
		if m, ok := byName[p.Name]; ok {
			m.amount = m.amount.Add(price)
			continue
		}
		m := &merged{name: p.Name, amount: price}
		byName[p.Name] = m
		order = append(order, m)
	}

	e := NewEngine(participants)
	for _, m := range order {
		e.appendItem(m.name, m.amount)
	}
	e.declaredTotal = decimal.NewFromFloat(declaredTotal)
	return e, nil
}

package scanning

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

var (
	// quantityOnly matches lines OCR splits off the product, such as "3 X 3,87"
	quantityOnly = regexp.MustCompile(`^\s*\d+\s*[xX×*]\s*\d*[.,]?\d*\s*$`)
	numbersOnly  = regexp.MustCompile(`^\s*\d+\s*$`)
)

// rawReceipt tolerates a missing total so it can be told apart from zero
type rawReceipt struct {
	Products    []Product `json:"products"`
	TotalAmount *float64  `json:"total_amount"`
}

// parseReceiptJSON parses the JSON produced by an OCR backend
func parseReceiptJSON(text string) (*ReceiptData, error) {
	// Remove markdown code blocks if present
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	var raw rawReceipt
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	if raw.Products == nil {
		return nil, fmt.Errorf("response has no products")
	}

	data := &ReceiptData{Products: make([]Product, 0, len(raw.Products))}
	for _, p := range raw.Products {
		p.Product = strings.TrimSpace(p.Product)
		if p.Product == "" || quantityOnly.MatchString(p.Product) || numbersOnly.MatchString(p.Product) {
			continue
		}
		data.Products = append(data.Products, p)
	}

	if raw.TotalAmount != nil {
		data.TotalAmount = *raw.TotalAmount
	} else {
		var sum float64
		for _, p := range data.Products {
			sum += p.Price
		}
		data.TotalAmount = math.Round(sum*100) / 100
	}

	return data, nil
}

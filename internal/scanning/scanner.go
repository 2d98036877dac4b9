package scanning

import (
	"context"
	"errors"
)

var (
	// ErrUpstreamFailure wraps every OCR failure that is not a timeout
	ErrUpstreamFailure = errors.New("ocr processing failed")

	// ErrUpstreamTimeout is returned when OCR did not finish in time
	ErrUpstreamTimeout = errors.New("ocr processing timed out")
)

// Product is one priced line read from a receipt
type Product struct {
	Product string  `json:"product"`
	Price   float64 `json:"price"`
}

// ReceiptData contains the line items and total extracted from a receipt
type ReceiptData struct {
	Products    []Product `json:"products"`
	TotalAmount float64   `json:"total_amount"`
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts its line items
	ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}

package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// receiptScanPrompt is the shared prompt used by all LLM providers for reading line items
const receiptScanPrompt = `You are reading a shop or restaurant receipt. Carefully read every printed line and extract the purchased products with their prices.

Rules:
1. Every purchased product becomes one entry with its name exactly as printed and its line price.
2. Discounts, coupons and bonus lines are entries too, with a NEGATIVE price.
3. If a product is printed several times, list it several times; do not merge lines.
4. Skip subtotals, taxes/VAT summaries, payment method lines, change and loyalty points.
5. Skip lines that only hold a quantity or unit price, such as "3 X 3,87" or "Prijs per kg".
6. The total is the final amount paid, labeled e.g. "TOTAL", "TOTAAL", "Amount Due".
7. Prices are numbers with a dot as decimal separator (3,87 becomes 3.87).

Return ONLY valid JSON in this exact format:
{
  "products": [
    {"product": "Product name", "price": 0.00}
  ],
  "total_amount": 0.00
}

Do not include any text before or after the JSON and do not use markdown code blocks.`

// pdfToImage renders the first page of a PDF as PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Receipts are a single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// imageToPNG re-encodes a JPEG, GIF, PNG or HEIC image as PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	if isHEIC(imageData, mimeType) {
		// Phone cameras default to HEIC, which the image package cannot decode
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") {
				return nil, fmt.Errorf("unsupported image format (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// isHEIC checks the ftyp box brand at offset 4 and the declared MIME type
func isHEIC(data []byte, mimeType string) bool {
	if len(data) >= 12 && string(data[4:8]) == "ftyp" {
		switch string(data[8:12]) {
		case "heic", "heif", "mif1", "msf1":
			return true
		}
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// normalizeMIME lowercases the content type and defaults to JPEG
func normalizeMIME(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		return "image/jpeg"
	}
	return mimeType
}

// prepareImageData converts PDFs and non-PNG images to PNG.
// Returns the PNG data and whether a conversion happened.
func prepareImageData(imageData []byte, contentType string) ([]byte, bool, error) {
	mimeType := normalizeMIME(contentType)

	switch {
	case mimeType == "application/pdf":
		pngData, err := pdfToImage(imageData)
		if err != nil {
			return nil, false, fmt.Errorf("converting PDF to image: %w", err)
		}
		return pngData, true, nil
	case mimeType != "image/png" || isHEIC(imageData, mimeType):
		pngData, err := imageToPNG(imageData, mimeType)
		if err != nil {
			return nil, false, fmt.Errorf("converting image to PNG: %w", err)
		}
		return pngData, true, nil
	}
	return imageData, false, nil
}

// needsConversion reports whether an OCR program is unlikely to read the format directly
func needsConversion(imageData []byte, contentType string) bool {
	mimeType := normalizeMIME(contentType)
	return mimeType == "application/pdf" || isHEIC(imageData, mimeType)
}

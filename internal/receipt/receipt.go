package receipt

import (
	"encoding/json"
	"time"

	"github.com/zombor/receipt-splitter/internal/split"
)

// Source values record how a receipt's items were entered
const (
	SourceScan   = "scan"
	SourceManual = "manual"
	SourceImport = "import"
)

// Receipt is one splitting session: the uploaded image plus the editable split state
type Receipt struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Source      string          `json:"source"`
	Filename    string          `json:"filename,omitempty"` // stored image, empty for manual receipts
	ContentType string          `json:"content_type,omitempty"`
	State       json.RawMessage `json:"state"` // split.Engine document
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Detail is a receipt together with its decoded state and current shares
type Detail struct {
	Receipt *Receipt
	State   split.State
	Shares  split.Shares
}

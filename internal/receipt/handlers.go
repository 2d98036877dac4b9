package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-splitter/internal/scanning"
	"github.com/zombor/receipt-splitter/internal/split"
)

const maxUploadSize = int64(50 << 20) // 50MB for high-resolution phone photos

type itemResponse struct {
	ID      split.ItemID `json:"id"`
	Name    string       `json:"name"`
	Amount  float64      `json:"amount"`
	Weights []int        `json:"weights"`
}

type sharesResponse struct {
	PerPerson     []float64 `json:"per_person"`
	GrandTotal    float64   `json:"grand_total"`
	Unallocated   float64   `json:"unallocated"`
	DeclaredTotal float64   `json:"declared_total"`
	Drift         float64   `json:"drift"`
}

type receiptResponse struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Source       string         `json:"source"`
	HasImage     bool           `json:"has_image"`
	Participants int            `json:"participants"`
	Items        []itemResponse `json:"items"`
	Shares       sharesResponse `json:"shares"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type receiptSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Source    string    `json:"source"`
	HasImage  bool      `json:"has_image"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newSharesResponse(s split.Shares) sharesResponse {
	perPerson := make([]float64, len(s.PerPerson))
	for i, v := range s.PerPerson {
		perPerson[i] = v.InexactFloat64()
	}
	return sharesResponse{
		PerPerson:     perPerson,
		GrandTotal:    s.GrandTotal.InexactFloat64(),
		Unallocated:   s.Unallocated.InexactFloat64(),
		DeclaredTotal: s.DeclaredTotal.InexactFloat64(),
		Drift:         s.Drift.InexactFloat64(),
	}
}

func newReceiptResponse(d *Detail) receiptResponse {
	items := make([]itemResponse, 0, len(d.State.Items))
	for _, item := range d.State.Items {
		items = append(items, itemResponse{
			ID:      item.ID,
			Name:    item.Name,
			Amount:  item.Amount.InexactFloat64(),
			Weights: item.Weights,
		})
	}
	return receiptResponse{
		ID:           d.Receipt.ID,
		Title:        d.Receipt.Title,
		Source:       d.Receipt.Source,
		HasImage:     d.Receipt.Filename != "",
		Participants: d.State.Participants,
		Items:        items,
		Shares:       newSharesResponse(d.Shares),
		CreatedAt:    d.Receipt.CreatedAt,
		UpdatedAt:    d.Receipt.UpdatedAt,
	}
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service errors onto statuses the UI can act on
func writeServiceError(w http.ResponseWriter, err error) {
	var ingestErr *split.IngestError
	switch {
	case errors.As(err, &ingestErr):
		writeError(w, http.StatusUnprocessableEntity, "No items could be extracted from the receipt. Add them manually instead.")
	case errors.Is(err, scanning.ErrUpstreamTimeout):
		writeError(w, http.StatusGatewayTimeout, "OCR processing failed: the scanner timed out.")
	case errors.Is(err, scanning.ErrUpstreamFailure):
		writeError(w, http.StatusBadGateway, "OCR processing failed.")
	case errors.Is(err, ErrReceiptNotFound):
		writeError(w, http.StatusNotFound, "Receipt not found")
	case errors.Is(err, split.ErrNotFound):
		writeError(w, http.StatusNotFound, "Invalid edit: item not found")
	case errors.Is(err, split.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid edit: %v", err))
	default:
		slog.Error("Unhandled service error", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeBody reads a JSON request body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// pathInt parses a numeric path value
func pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return 0, false
	}
	return v, true
}

// contentTypeFor falls back to the file extension when the upload has no type
func contentTypeFor(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleListReceipts returns a list of all receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts()
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	summaries := make([]receiptSummary, 0, len(receipts))
	for _, rec := range receipts {
		summaries = append(summaries, receiptSummary{
			ID:        rec.ID,
			Title:     rec.Title,
			Source:    rec.Source,
			HasImage:  rec.Filename != "",
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleUploadReceipt scans an uploaded receipt into a new session
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "File is too large. Maximum size is 50MB. Please compress or resize your image.")
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		msg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			msg = "No file was selected. Please choose a file to upload."
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusBadRequest, "Error reading file. Please try again.")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "The uploaded file is empty.")
		return
	}

	contentType := contentTypeFor(header.Header.Get("Content-Type"), header.Filename)
	detail, err := s.service.ScanReceipt(r.Context(), header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error processing receipt", "filename", header.Filename, "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newReceiptResponse(detail))
}

// handleCreateManualReceipt opens an empty session
func (s *Server) handleCreateManualReceipt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	detail, err := s.service.CreateManualReceipt(req.Title)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReceiptResponse(detail))
}

// handleImportReceipt opens a session from an exported state
func (s *Server) handleImportReceipt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string          `json:"title"`
		State json.RawMessage `json:"state"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.State) == 0 {
		writeError(w, http.StatusBadRequest, "Missing state")
		return
	}

	detail, err := s.service.ImportReceipt(req.Title, req.State)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReceiptResponse(detail))
}

// handleGetReceipt returns a single receipt with its items and shares
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetReceipt(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(detail))
}

// handleGetShares returns the per-person totals
func (s *Server) handleGetShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.service.Shares(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSharesResponse(shares))
}

// handleExportReceipt returns the state document as a download
func (s *Server) handleExportReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.service.ExportReceipt(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="receipt-%s.json"`, id))
	w.Write(data)
}

// handleGetReceiptFile returns the file for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddItem appends a line item
func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string   `json:"name"`
		Amount *float64 `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "Missing amount")
		return
	}

	_, detail, err := s.service.AddItem(r.PathValue("id"), req.Name, *req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReceiptResponse(detail))
}

// handleEditItem renames an item or changes its amount
func (s *Server) handleEditItem(w http.ResponseWriter, r *http.Request) {
	item, ok := pathInt(w, r, "item")
	if !ok {
		return
	}
	var req struct {
		Name   *string  `json:"name"`
		Amount *float64 `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	detail, err := s.service.EditItem(r.PathValue("id"), split.ItemID(item), req.Name, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(detail))
}

// handleRemoveItem deletes a line item
func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	item, ok := pathInt(w, r, "item")
	if !ok {
		return
	}
	detail, err := s.service.RemoveItem(r.PathValue("id"), split.ItemID(item))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(detail))
}

// handleSetWeight sets one participant's weight on one item
func (s *Server) handleSetWeight(w http.ResponseWriter, r *http.Request) {
	item, ok := pathInt(w, r, "item")
	if !ok {
		return
	}
	participant, ok := pathInt(w, r, "p")
	if !ok {
		return
	}
	var req struct {
		Weight *int `json:"weight"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Weight == nil {
		writeError(w, http.StatusBadRequest, "Missing weight")
		return
	}

	detail, err := s.service.SetWeight(r.PathValue("id"), split.ItemID(item), participant, *req.Weight)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(detail))
}

// handleToggle flips a participant in or out of one item
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	item, ok := pathInt(w, r, "item")
	if !ok {
		return
	}
	participant, ok := pathInt(w, r, "p")
	if !ok {
		return
	}

	detail, err := s.service.ToggleParticipant(r.PathValue("id"), split.ItemID(item), participant)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(detail))
}

// handleSetAllParticipant applies one weight to a participant on every item
func (s *Server) handleSetAllParticipant(w http.ResponseWriter, r *http.Request) {
	participant, ok := pathInt(w, r, "p")
	if !ok {
		return
	}
	var req struct {
		Weight *int `json:"weight"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Weight == nil {
		writeError(w, http.StatusBadRequest, "Missing weight")
		return
	}

	detail, err := s.service.SetAllParticipant(r.PathValue("id"), participant, *req.Weight)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(detail))
}

// handleSetDeclaredTotal replaces the receipt's declared total
func (s *Server) handleSetDeclaredTotal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Total *float64 `json:"total"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Total == nil {
		writeError(w, http.StatusBadRequest, "Missing total")
		return
	}

	detail, err := s.service.SetDeclaredTotal(r.PathValue("id"), *req.Total)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(detail))
}

// handleReset clears every weight
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.Reset(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(detail))
}

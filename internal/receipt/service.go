package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-splitter/internal/scanning"
	"github.com/zombor/receipt-splitter/internal/split"
)

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

var (
	invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces       = regexp.MustCompile(`\s+`)
)

// Service owns the splitting sessions. Every edit loads the saved state,
// applies one engine operation and saves the result under a per-receipt lock.
type Service struct {
	db           DB
	scanner      scanning.Scanner
	storage      Storage
	idGenerator  IDGenerator
	timeSource   TimeSource
	participants int

	mu    sync.Mutex
	locks map[string]*receiptLock
}

// receiptLock is held by one edit at a time; refs counts the callers using
// or waiting on it so the entry can be dropped once nobody does.
type receiptLock struct {
	sync.Mutex
	refs int
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, scanner scanning.Scanner, storage Storage, participants int) *Service {
	return NewServiceWithDeps(db, scanner, storage, participants, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage Storage, participants int, idGen IDGenerator, timeSrc TimeSource) *Service {
	if participants <= 0 {
		participants = split.DefaultParticipants
	}
	return &Service{
		db:           db,
		scanner:      scanner,
		storage:      storage,
		idGenerator:  idGen,
		timeSource:   timeSrc,
		participants: participants,
		locks:        make(map[string]*receiptLock),
	}
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = invalidFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// phone cameras produce very long names
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}

	return base + ext
}

// ScanReceipt stores the upload, runs OCR and opens a session from the extracted items.
// Nothing is kept when the scan fails or yields no items.
func (s *Service) ScanReceipt(ctx context.Context, filename string, data []byte, contentType string) (*Detail, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	cleanFilename := sanitizeFilename(filename)
	savedName, err := s.storage.Save(fmt.Sprintf("%s_%s", id, cleanFilename), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	started := time.Now()
	receiptData, err := s.scanner.ScanReceipt(ctx, data, contentType)
	scanDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		outcome := scanFailed
		if errors.Is(err, scanning.ErrUpstreamTimeout) {
			outcome = scanTimeout
		}
		scansTotal.WithLabelValues(outcome).Inc()
		slog.Error("Failed to scan receipt",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.removeFile(savedName)
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}

	products := make([]split.Product, 0, len(receiptData.Products))
	for _, p := range receiptData.Products {
		products = append(products, split.Product{Name: p.Product, Price: p.Price})
	}
	engine, err := split.IngestWithParticipants(products, receiptData.TotalAmount, s.participants)
	if err != nil {
		scansTotal.WithLabelValues(scanNoItems).Inc()
		slog.Warn("Scan produced no usable items", "filename", filename, "error", err)
		s.removeFile(savedName)
		return nil, err
	}
	scansTotal.WithLabelValues(scanOK).Inc()

	title := strings.TrimSuffix(cleanFilename, filepath.Ext(cleanFilename))
	detail, err := s.create(id, title, SourceScan, engine, now, func(r *Receipt) {
		r.Filename = savedName
		r.ContentType = contentType
	})
	if err != nil {
		s.removeFile(savedName)
		return nil, err
	}

	slog.Info("Receipt scanned", "id", id, "items", engine.Len(), "declared_total", engine.DeclaredTotal().StringFixed(2))
	return detail, nil
}

// CreateManualReceipt opens an empty session for hand-entered items
func (s *Service) CreateManualReceipt(title string) (*Detail, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Manual receipt"
	}
	return s.create(s.idGenerator.Generate(), title, SourceManual, split.NewEngine(s.participants), s.timeSource.Now(), nil)
}

// ImportReceipt opens a session from an exported state document
func (s *Service) ImportReceipt(title string, state []byte) (*Detail, error) {
	engine, err := split.Restore(state)
	if err != nil {
		return nil, fmt.Errorf("importing receipt: %w", err)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Imported receipt"
	}
	return s.create(s.idGenerator.Generate(), title, SourceImport, engine, s.timeSource.Now(), nil)
}

func (s *Service) create(id, title, source string, engine *split.Engine, now time.Time, extra func(*Receipt)) (*Detail, error) {
	state, err := json.Marshal(engine)
	if err != nil {
		return nil, fmt.Errorf("encoding split state: %w", err)
	}

	receipt := &Receipt{
		ID:        id,
		Title:     title,
		Source:    source,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if extra != nil {
		extra(receipt)
	}

	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}
	return newDetail(receipt, engine), nil
}

func newDetail(receipt *Receipt, engine *split.Engine) *Detail {
	return &Detail{
		Receipt: receipt,
		State:   engine.Snapshot(),
		Shares:  engine.Shares(),
	}
}

func (s *Service) removeFile(name string) {
	if err := s.storage.Delete(name); err != nil {
		slog.Warn("Failed to delete file", "filename", name, "error", err)
	}
}

// lock serializes edits to one receipt. Entries live only while a caller
// holds or waits on them.
func (s *Service) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &receiptLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *Service) load(id string) (*Receipt, *split.Engine, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting receipt: %w", err)
	}
	engine, err := split.Restore(receipt.State)
	if err != nil {
		return nil, nil, fmt.Errorf("restoring receipt %s: %w", id, err)
	}
	return receipt, engine, nil
}

// update applies one edit. A rejected edit leaves the saved state untouched.
func (s *Service) update(id, event string, apply func(*split.Engine) error) (*Detail, error) {
	unlock := s.lock(id)
	defer unlock()

	receipt, engine, err := s.load(id)
	if err != nil {
		return nil, err
	}

	if err := apply(engine); err != nil {
		eventsTotal.WithLabelValues(event, "rejected").Inc()
		return nil, fmt.Errorf("%s: %w", event, err)
	}

	state, err := json.Marshal(engine)
	if err != nil {
		return nil, fmt.Errorf("encoding split state: %w", err)
	}
	receipt.State = state
	receipt.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("saving receipt: %w", err)
	}
	eventsTotal.WithLabelValues(event, "applied").Inc()

	slog.Debug("Receipt updated", "id", id, "event", event)
	return newDetail(receipt, engine), nil
}

// AddItem appends a line item and returns its id
func (s *Service) AddItem(id, name string, amount float64) (split.ItemID, *Detail, error) {
	var itemID split.ItemID
	detail, err := s.update(id, "add_item", func(e *split.Engine) error {
		var err error
		itemID, err = e.AddItem(name, amount)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return itemID, detail, nil
}

// RemoveItem deletes a line item. Removing an unknown item changes nothing.
func (s *Service) RemoveItem(id string, item split.ItemID) (*Detail, error) {
	return s.update(id, "remove_item", func(e *split.Engine) error {
		e.RemoveItem(item)
		return nil
	})
}

// EditItem changes an item's name, amount or both. Nil fields are left alone.
func (s *Service) EditItem(id string, item split.ItemID, name *string, amount *float64) (*Detail, error) {
	return s.update(id, "edit_item", func(e *split.Engine) error {
		if amount != nil {
			if err := e.SetAmount(item, *amount); err != nil {
				return err
			}
		}
		if name != nil {
			return e.Rename(item, *name)
		}
		if _, err := e.Item(item); err != nil {
			return err
		}
		return nil
	})
}

// SetWeight sets one participant's weight on one item
func (s *Service) SetWeight(id string, item split.ItemID, participant, weight int) (*Detail, error) {
	return s.update(id, "set_weight", func(e *split.Engine) error {
		return e.SetWeight(item, participant, weight)
	})
}

// ToggleParticipant flips a participant in or out of one item
func (s *Service) ToggleParticipant(id string, item split.ItemID, participant int) (*Detail, error) {
	return s.update(id, "toggle", func(e *split.Engine) error {
		return e.ToggleParticipant(item, participant)
	})
}

// SetAllParticipant applies a weight to the participant on every item
func (s *Service) SetAllParticipant(id string, participant, weight int) (*Detail, error) {
	return s.update(id, "set_all", func(e *split.Engine) error {
		return e.SetAllParticipant(participant, weight)
	})
}

// SetDeclaredTotal replaces the total printed on the receipt
func (s *Service) SetDeclaredTotal(id string, total float64) (*Detail, error) {
	return s.update(id, "set_total", func(e *split.Engine) error {
		return e.SetDeclaredTotal(total)
	})
}

// Reset clears every weight on the receipt
func (s *Service) Reset(id string) (*Detail, error) {
	return s.update(id, "reset", func(e *split.Engine) error {
		e.Reset()
		return nil
	})
}

// GetReceipt retrieves a receipt with its current state and shares
func (s *Service) GetReceipt(id string) (*Detail, error) {
	receipt, engine, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return newDetail(receipt, engine), nil
}

// Shares returns the current per-person totals for a receipt
func (s *Service) Shares(id string) (split.Shares, error) {
	_, engine, err := s.load(id)
	if err != nil {
		return split.Shares{}, err
	}
	return engine.Shares(), nil
}

// ExportReceipt returns the receipt's state document, suitable for ImportReceipt
func (s *Service) ExportReceipt(id string) ([]byte, error) {
	_, engine, err := s.load(id)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(engine, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding split state: %w", err)
	}
	return data, nil
}

// ListReceipts returns all receipts
func (s *Service) ListReceipts() ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its file
func (s *Service) DeleteReceipt(id string) error {
	unlock := s.lock(id)
	defer unlock()

	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if receipt.Filename != "" {
		s.removeFile(receipt.Filename)
	}

	if err := s.db.DeleteReceipt(id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the uploaded image for a receipt
func (s *Service) GetReceiptFile(id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.Filename == "" {
		return nil, "", fmt.Errorf("%w: %s has no image", ErrReceiptNotFound, id)
	}

	data, err := s.storage.Get(receipt.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, receipt.ContentType, nil
}

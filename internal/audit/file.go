package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// FileWriter appends records as JSON lines to a dedicated log file, one
// object per callback, each carrying the hash of the record before it.
type FileWriter struct {
	mu       sync.Mutex
	closer   io.Closer
	handler  slog.Handler
	lastHash string
	chain    ChainStatus
}

// OpenFile opens (or creates) path for appending and returns a FileWriter.
// Missing parent directories are created. Records already in the file are
// read back so the chain continues from the last one; Chain reports what
// was found.
func OpenFile(path string) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	status, clean, err := readChain(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	// A torn last line must not swallow the next record.
	if !clean {
		if _, err := f.Write([]byte("\n")); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to repair audit log: %w", err)
		}
	}

	w := NewWriter(f)
	w.closer = f
	w.lastHash = status.LastHash
	w.chain = status
	return w, nil
}

// NewWriter returns a FileWriter that writes JSON lines to out, starting a
// new chain.
func NewWriter(out io.Writer) *FileWriter {
	return &FileWriter{handler: slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})}
}

// Chain returns the state of the records found when the file was opened.
func (w *FileWriter) Chain() ChainStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chain
}

// Append writes one record. The chain only advances when the write succeeds.
func (w *FileWriter) Append(ctx context.Context, entry Entry) (*Log, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	log := &Log{
		ID:           uuid.New().String(),
		Entry:        entry.printable(),
		CreatedAt:    time.Now().UTC(),
		PreviousHash: w.lastHash,
	}

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "pingback", 0)
	r.AddAttrs(
		slog.String("id", log.ID),
		slog.String("source", log.Source),
		slog.String("status", string(log.Status)),
		slog.String("event_id", log.EventID),
		slog.String("account_id", log.AccountID),
		slog.String("product_id", log.ProductID),
		slog.String("type", log.Kind),
		slog.Bool("is_handled", log.Handled),
		slog.String("outcome", log.Outcome),
		slog.Int64("credit", log.Credit),
		slog.Bool("test_mode", log.TestMode),
		slog.String("query", log.Payload),
		slog.String("reason", log.Reason),
		slog.String("request_id", log.RequestID),
		slog.String("ip", log.IPAddress),
		slog.Time("date", log.CreatedAt),
		slog.String("previous_hash", log.PreviousHash),
	)
	if err := w.handler.Handle(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to write audit record: %w", err)
	}
	w.lastHash = log.Hash()

	logCopy := *log
	return &logCopy, nil
}

// Close closes the underlying file, if FileWriter opened one.
func (w *FileWriter) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// ErrBrokenChain is reported when a record's previous_hash does not match
// the record before it.
var ErrBrokenChain = errors.New("audit chain is broken")

// ChainStatus describes the records read back from an audit file.
type ChainStatus struct {
	Records  int
	Skipped  int    // lines that do not parse as a record
	BrokenAt int    // 1-based line of the first mismatched previous_hash, 0 if none
	LastHash string // hash of the last record, "" when there is none
}

// Err returns ErrBrokenChain with the offending line, or nil when every
// record links to the one before it.
func (s ChainStatus) Err() error {
	if s.BrokenAt == 0 {
		return nil
	}
	return fmt.Errorf("%w at line %d", ErrBrokenChain, s.BrokenAt)
}

// ReadChain reads JSON-line records written by FileWriter and checks that
// each one links to the record before it.
func ReadChain(r io.Reader) (ChainStatus, error) {
	status, _, err := readChain(r)
	return status, err
}

// fileRecord is one line of the audit file.
type fileRecord struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Status       Status    `json:"status"`
	EventID      string    `json:"event_id"`
	AccountID    string    `json:"account_id"`
	ProductID    string    `json:"product_id"`
	Kind         string    `json:"type"`
	Handled      bool      `json:"is_handled"`
	Outcome      string    `json:"outcome"`
	Credit       int64     `json:"credit"`
	TestMode     bool      `json:"test_mode"`
	Payload      string    `json:"query"`
	Reason       string    `json:"reason"`
	RequestID    string    `json:"request_id"`
	IPAddress    string    `json:"ip"`
	CreatedAt    time.Time `json:"date"`
	PreviousHash string    `json:"previous_hash"`
}

func (f fileRecord) log() *Log {
	return &Log{
		ID: f.ID,
		Entry: Entry{
			Source:    f.Source,
			Status:    f.Status,
			EventID:   f.EventID,
			AccountID: f.AccountID,
			ProductID: f.ProductID,
			Kind:      f.Kind,
			Handled:   f.Handled,
			Outcome:   f.Outcome,
			Credit:    f.Credit,
			TestMode:  f.TestMode,
			Payload:   f.Payload,
			Reason:    f.Reason,
			RequestID: f.RequestID,
			IPAddress: f.IPAddress,
		},
		CreatedAt:    f.CreatedAt.UTC(),
		PreviousHash: f.PreviousHash,
	}
}

// readChain also reports whether the input ended on a line boundary.
func readChain(r io.Reader) (ChainStatus, bool, error) {
	var status ChainStatus
	br := bufio.NewReader(r)
	clean := true
	for line := 1; ; line++ {
		raw, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return status, false, err
		}
		if len(raw) > 0 {
			clean = raw[len(raw)-1] == '\n'
		}
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
			var rec fileRecord
			if jsonErr := json.Unmarshal(trimmed, &rec); jsonErr != nil || rec.ID == "" {
				status.Skipped++
			} else {
				l := rec.log()
				if l.PreviousHash != status.LastHash && status.BrokenAt == 0 {
					status.BrokenAt = line
				}
				status.LastHash = l.Hash()
				status.Records++
			}
		}
		if errors.Is(err, io.EOF) {
			return status, clean, nil
		}
	}
}

// printable replaces invalid UTF-8 the way the JSON handler writes it, so a
// record hashes the same before and after a round trip through the file.
func (e Entry) printable() Entry {
	for _, s := range []*string{
		&e.Source, &e.EventID, &e.AccountID, &e.ProductID, &e.Kind, &e.Outcome,
		&e.Payload, &e.Reason, &e.RequestID, &e.IPAddress,
	} {
		if !utf8.ValidString(*s) {
			*s = string([]rune(*s))
		}
	}
	return e
}

// Package ingest turns uploaded CSV files into validated transactions.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrNotCSV is returned when the input cannot be read as CSV text.
	ErrNotCSV = errors.New("input is not a CSV file")
	// ErrEmptyInput is returned when the input has no header row.
	ErrEmptyInput = errors.New("input is empty")
	// ErrMissingColumn is returned when a required column is absent.
	ErrMissingColumn = errors.New("missing required column")
	// ErrMalformedRow is returned in strict mode for the first bad row.
	ErrMalformedRow = errors.New("malformed row")
)

// Required column names, matched after trimming whitespace.
const (
	ColTransactionID = "transaction_id"
	ColSenderID      = "sender_id"
	ColReceiverID    = "receiver_id"
	ColAmount        = "amount"
	ColTimestamp     = "timestamp"
)

var requiredColumns = []string{ColTransactionID, ColSenderID, ColReceiverID, ColAmount, ColTimestamp}

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options controls parsing.
type Options struct {
	// Strict fails the whole batch on the first malformed row instead of
	// rejecting it and continuing.
	Strict bool
}

// Batch is the outcome of parsing one file.
type Batch struct {
	Transactions []domain.Transaction
	Rejected     []domain.RowError
}

// row holds the raw cell values of one record.
type row struct {
	TransactionID string `validate:"required"`
	SenderID      string `validate:"required"`
	ReceiverID    string `validate:"required"`
	Amount        string `validate:"required"`
	Timestamp     string `validate:"required"`
}

// ParseCSV reads transactions from r. Header names are trimmed and matched in
// any order; extra columns are ignored. A header with no data rows yields an
// empty batch.
func ParseCSV(r io.Reader, opts Options) (*Batch, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyInput
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCSV, err)
	}

	cols, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Transactions: []domain.Transaction{}}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var rowErr *domain.RowError
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, fmt.Errorf("%w: %v", ErrNotCSV, err)
			}
			rowErr = &domain.RowError{Line: perr.Line, Reason: perr.Err.Error()}
		} else if isBlank(record) {
			continue
		} else {
			line, _ := cr.FieldPos(0)
			var tx domain.Transaction
			tx, rowErr = parseRow(record, cols, line)
			if rowErr == nil {
				batch.Transactions = append(batch.Transactions, tx)
				continue
			}
		}

		if opts.Strict {
			return nil, fmt.Errorf("%w: line %d: %s", ErrMalformedRow, rowErr.Line, rowErr.Reason)
		}
		batch.Rejected = append(batch.Rejected, *rowErr)
	}

	return batch, nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		if !utf8.ValidString(name) || strings.ContainsRune(name, 0) {
			return nil, ErrNotCSV
		}
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}

	var missing []string
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == len(requiredColumns) && len(header) < 2 {
		return nil, fmt.Errorf("%w: single-column header %q", ErrNotCSV, header[0])
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return cols, nil
}

func parseRow(record []string, cols map[string]int, line int) (domain.Transaction, *domain.RowError) {
	cell := func(name string) string {
		i := cols[name]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	raw := row{
		TransactionID: cell(ColTransactionID),
		SenderID:      cell(ColSenderID),
		ReceiverID:    cell(ColReceiverID),
		Amount:        cell(ColAmount),
		Timestamp:     cell(ColTimestamp),
	}
	if err := validate.Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return domain.Transaction{}, &domain.RowError{
				Line:   line,
				Field:  fieldColumn(verrs[0].Field()),
				Reason: "value is required",
			}
		}
		return domain.Transaction{}, &domain.RowError{Line: line, Reason: err.Error()}
	}

	amount, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return domain.Transaction{}, &domain.RowError{Line: line, Field: ColAmount, Reason: "not a decimal number"}
	}
	if amount.IsNegative() {
		return domain.Transaction{}, &domain.RowError{Line: line, Field: ColAmount, Reason: "amount must not be negative"}
	}
	value, _ := amount.Float64()
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return domain.Transaction{}, &domain.RowError{Line: line, Field: ColAmount, Reason: "amount out of range"}
	}

	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return domain.Transaction{}, &domain.RowError{Line: line, Field: ColTimestamp, Reason: err.Error()}
	}

	return domain.Transaction{
		ID:         raw.TransactionID,
		SenderID:   NormalizeAccountID(raw.SenderID),
		ReceiverID: NormalizeAccountID(raw.ReceiverID),
		Amount:     value,
		Timestamp:  ts,
	}, nil
}

func fieldColumn(field string) string {
	switch field {
	case "TransactionID":
		return ColTransactionID
	case "SenderID":
		return ColSenderID
	case "ReceiverID":
		return ColReceiverID
	case "Amount":
		return ColAmount
	case "Timestamp":
		return ColTimestamp
	}
	return field
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ParseTimestamp parses the timestamp formats accepted in uploads.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// NormalizeAccountID returns the canonical string form of an account
// identifier. Integral numbers exported as floats ("1001.0") lose the fraction.
func NormalizeAccountID(id string) string {
	id = strings.TrimSpace(id)
	intPart, frac, ok := strings.Cut(id, ".")
	if !ok || intPart == "" || strings.Trim(frac, "0") != "" {
		return id
	}
	if _, err := strconv.ParseUint(strings.TrimPrefix(intPart, "-"), 10, 64); err != nil {
		return id
	}
	return intPart
}

// Digest fingerprints a batch. Identical uploads produce identical digests.
func Digest(txs []domain.Transaction, rejected int) string {
	h := sha256.New()
	var buf bytes.Buffer
	for _, tx := range txs {
		buf.Reset()
		buf.WriteString(tx.ID)
		buf.WriteByte(0x1f)
		buf.WriteString(tx.SenderID)
		buf.WriteByte(0x1f)
		buf.WriteString(tx.ReceiverID)
		buf.WriteByte(0x1f)
		buf.WriteString(strconv.FormatFloat(tx.Amount, 'g', -1, 64))
		buf.WriteByte(0x1f)
		buf.WriteString(tx.Timestamp.UTC().Format(time.RFC3339Nano))
		buf.WriteByte('\n')
		h.Write(buf.Bytes())
	}
	fmt.Fprintf(h, "rejected=%d", rejected)
	return hex.EncodeToString(h.Sum(nil))
}

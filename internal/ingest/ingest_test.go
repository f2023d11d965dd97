package ingest

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

const validCSV = `transaction_id, sender_id ,receiver_id,amount,timestamp
T1,ACC_1,ACC_2,150.50,2026-03-01 10:00:00
T2,ACC_2,ACC_3,99,2026-03-01T11:30:00Z
`

func TestParseCSVValid(t *testing.T) {
	batch, err := ParseCSV(strings.NewReader(validCSV), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(batch.Transactions))
	}
	if len(batch.Rejected) != 0 {
		t.Errorf("expected no rejected rows, got %v", batch.Rejected)
	}

	tx := batch.Transactions[0]
	if tx.ID != "T1" || tx.SenderID != "ACC_1" || tx.ReceiverID != "ACC_2" {
		t.Errorf("unexpected transaction %+v", tx)
	}
	if tx.Amount != 150.5 {
		t.Errorf("expected amount 150.5, got %v", tx.Amount)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !tx.Timestamp.Equal(want) {
		t.Errorf("expected %v, got %v", want, tx.Timestamp)
	}
}

func TestParseCSVColumnOrderAndExtras(t *testing.T) {
	input := "timestamp,amount,note,receiver_id,sender_id,transaction_id\n" +
		"2026-03-01,10,hello,B,A,T1\n"

	batch, err := ParseCSV(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Transactions) != 1 || batch.Transactions[0].SenderID != "A" {
		t.Errorf("unexpected batch %+v", batch)
	}
}

func TestParseCSVHeaderOnly(t *testing.T) {
	batch, err := ParseCSV(strings.NewReader("transaction_id,sender_id,receiver_id,amount,timestamp\n"), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Transactions == nil || len(batch.Transactions) != 0 {
		t.Errorf("expected empty non-nil transactions, got %v", batch.Transactions)
	}
}

func TestParseCSVErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrEmptyInput},
		{"plain text", "just some words\nmore words\n", ErrNotCSV},
		{"json", `{"transactions": []}`, ErrNotCSV},
		{"missing column", "transaction_id,sender_id,receiver_id,amount\nT1,A,B,1\n", ErrMissingColumn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(tt.input), Options{})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseCSVRejectsBadRows(t *testing.T) {
	input := `transaction_id,sender_id,receiver_id,amount,timestamp
T1,A,B,10,2026-03-01 10:00:00
T2,,B,10,2026-03-01 10:00:00
T3,A,B,-5,2026-03-01 10:00:00
T4,A,B,ten,2026-03-01 10:00:00
T5,A,B,10,yesterday
T6,A,B,10,2026-03-01 12:00:00
T7,A,B,1e400,2026-03-01 13:00:00
`
	batch, err := ParseCSV(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Transactions) != 2 {
		t.Errorf("expected 2 valid rows, got %d", len(batch.Transactions))
	}
	if len(batch.Rejected) != 5 {
		t.Fatalf("expected 5 rejected rows, got %d: %v", len(batch.Rejected), batch.Rejected)
	}

	wantLines := []int{3, 4, 5, 6, 8}
	wantFields := []string{ColSenderID, ColAmount, ColAmount, ColTimestamp, ColAmount}
	for i, re := range batch.Rejected {
		if re.Field != wantFields[i] {
			t.Errorf("row %d: expected field %s, got %s", i, wantFields[i], re.Field)
		}
		if re.Line != wantLines[i] {
			t.Errorf("row %d: expected line %d, got %d", i, wantLines[i], re.Line)
		}
	}
	for _, tx := range batch.Transactions {
		if math.IsInf(tx.Amount, 0) {
			t.Errorf("transaction %s has infinite amount", tx.ID)
		}
	}
}

func TestParseCSVStrict(t *testing.T) {
	input := "transaction_id,sender_id,receiver_id,amount,timestamp\nT1,A,B,-1,2026-03-01\n"

	_, err := ParseCSV(strings.NewReader(input), Options{Strict: true})
	if !errors.Is(err, ErrMalformedRow) {
		t.Errorf("expected ErrMalformedRow, got %v", err)
	}
}

func TestNormalizeAccountID(t *testing.T) {
	tests := map[string]string{
		"1001.0":  "1001",
		"1001.00": "1001",
		" 42 ":    "42",
		"1001.5":  "1001.5",
		"ACC.0":   "ACC.0",
		"ACC_01":  "ACC_01",
		".0":      ".0",
	}
	for in, want := range tests {
		if got := NormalizeAccountID(in); got != want {
			t.Errorf("NormalizeAccountID(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2026-03-01T10:00:00Z",
		"2026-03-01T12:00:00+02:00",
		"2026-03-01 10:00:00",
		"2026-03-01T10:00:00",
		"2026-03-01 10:00",
		"03/01/2026 10:00:00",
	} {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Errorf("%s: unexpected error %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("%s: expected %v, got %v", in, want, got)
		}
	}

	if _, err := ParseTimestamp("not a date"); err == nil {
		t.Error("expected error for garbage timestamp")
	}
}

func TestDigest(t *testing.T) {
	a, _ := ParseCSV(strings.NewReader(validCSV), Options{})
	b, _ := ParseCSV(strings.NewReader(validCSV), Options{})

	if Digest(a.Transactions, 0) != Digest(b.Transactions, 0) {
		t.Error("expected identical digests for identical input")
	}
	if Digest(a.Transactions, 0) == Digest(a.Transactions[:1], 0) {
		t.Error("expected different digests for different input")
	}
	if Digest(a.Transactions, 0) == Digest(a.Transactions, 1) {
		t.Error("expected rejected count to change the digest")
	}
}

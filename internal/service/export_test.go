package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"btc-payable/internal/domain"
	"btc-payable/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func TestBuildObligationsWorkbook(t *testing.T) {
	o := domain.Obligation{
		ID:       "obl-1",
		Price:    decimal.NewFromInt(100),
		Currency: "USD",
		State:    domain.StatePartialPayment,
		Payable:  domain.PayableRef{Type: "order", ID: "42"},
		Transactions: domain.Ledger{
			{ID: "tx-1", EstimatedValue: 16_000_000, BtcConversion: decimal.NewFromInt(250)},
		},
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	var calls int
	data, err := BuildObligationsWorkbook([]domain.Obligation{o}, []string{"id", "state", "fiat_paid", "fiat_due", "bogus"}, "operator_1", func(done, total int) {
		calls++
		if done != 1 || total != 1 {
			t.Errorf("unexpected progress %d/%d", done, total)
		}
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one progress callback, got %d", calls)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Obligations")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d", len(rows))
	}
	wantHeader := []string{"ID", "State", "Paid", "Due"}
	for i, h := range wantHeader {
		if rows[0][i] != h {
			t.Errorf("header %d: expected %q, got %q", i, h, rows[0][i])
		}
	}
	wantRow := []string{"obl-1", "partial_payment", "40", "60"}
	for i, v := range wantRow {
		if rows[1][i] != v {
			t.Errorf("cell %d: expected %q, got %q", i, v, rows[1][i])
		}
	}
}

func TestBuildObligationsWorkbook_ExactMoney(t *testing.T) {
	o := domain.Obligation{
		ID:       "obl-1",
		Price:    decimal.RequireFromString("12345678901234567.89"),
		Currency: "USD",
		State:    domain.StatePending,
	}

	data, err := BuildObligationsWorkbook([]domain.Obligation{o}, []string{"price", "fiat_due"}, "operator_1", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Obligations")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 || rows[1][0] != "12345678901234567.89" || rows[1][1] != "12345678901234567.89" {
		t.Fatalf("money lost precision: %v", rows)
	}
}

func TestBuildObligationsWorkbook_NoColumns(t *testing.T) {
	if _, err := BuildObligationsWorkbook(nil, []string{"nope"}, "x", nil); err == nil {
		t.Fatal("expected error when no known columns are selected")
	}
}

type memFiles struct {
	saved map[string][]byte
}

func (m *memFiles) Save(_ context.Context, fileName string, data []byte) (string, error) {
	if m.saved == nil {
		m.saved = make(map[string][]byte)
	}
	m.saved[fileName] = data
	return fileName, nil
}

func (m *memFiles) URL(_ context.Context, savedName string) (string, error) {
	return "/files/" + savedName, nil
}

type memExportStore struct {
	memCache
	sets map[string][]string
}

func (m *memExportStore) SAdd(_ context.Context, key string, members ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets == nil {
		m.sets = make(map[string][]string)
	}
	for _, mem := range members {
		s := mem.(string)
		found := false
		for _, existing := range m.sets[key] {
			if existing == s {
				found = true
			}
		}
		if !found {
			m.sets[key] = append(m.sets[key], s)
		}
	}
	return nil
}

func (m *memExportStore) SRem(_ context.Context, key string, members ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		kept := m.sets[key][:0]
		for _, existing := range m.sets[key] {
			if existing != mem.(string) {
				kept = append(kept, existing)
			}
		}
		m.sets[key] = kept
	}
	return nil
}

func (m *memExportStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sets[key]...), nil
}

func TestExportService_RunsToCompletion(t *testing.T) {
	f := newFixture(false)
	createOrder(t, f, 100)

	store := &memExportStore{}
	files := &memFiles{}
	svc := NewExportService(f.repo, store, files, nil)
	ctx := context.Background()

	id, err := svc.StartObligationsExport(ctx, nil, repository.ObligationsFilter{}, 7)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		view, err := svc.GetExport(ctx, id, 7)
		if err != nil {
			t.Fatalf("get export: %v", err)
		}
		if view["progress"].(float64) == 100 {
			if view["file_url"] == nil || view["file_url"].(*string) == nil {
				t.Fatalf("finished export without file: %+v", view)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("export did not finish: %+v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := svc.GetExport(ctx, id, 8); err == nil {
		t.Fatal("another operator could read the export")
	}
	list, err := svc.GetExports(ctx, 7)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one export listed, got %d (%v)", len(list), err)
	}
}

func TestExportService_DropsExpiredStatuses(t *testing.T) {
	store := &memExportStore{}
	_ = store.SAdd(context.Background(), exportSetKey, "expired-export")

	svc := NewExportService(nil, store, &memFiles{}, nil)
	exports, err := svc.GetExports(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetExports: %v", err)
	}
	if len(exports) != 0 {
		t.Fatalf("expected no exports, got %d", len(exports))
	}
	if keys, _ := store.SMembers(context.Background(), exportSetKey); len(keys) != 0 {
		t.Fatalf("expired key should be removed from the index, got %v", keys)
	}
}

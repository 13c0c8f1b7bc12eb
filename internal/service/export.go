package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"btc-payable/internal/domain"
	"btc-payable/internal/repository"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

type ObligationLister interface {
	List(ctx context.Context, f repository.ObligationsFilter) ([]domain.Obligation, error)
	HasMoreThan(ctx context.Context, limit int64, f repository.ObligationsFilter) (bool, error)
}

type ExportStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	SAdd(ctx context.Context, key string, members ...any) error
	SRem(ctx context.Context, key string, members ...any) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

type FileStore interface {
	Save(ctx context.Context, fileName string, data []byte) (string, error)
	URL(ctx context.Context, savedName string) (string, error)
}

type ExportNotifier interface {
	NotifyExportProgress(ctx context.Context, operatorID int64, exportID string, progress float64, stage string) error
	NotifyExportComplete(ctx context.Context, operatorID int64, exportID, url, filename string) error
	NotifyExportFailed(ctx context.Context, operatorID int64, exportID, errMsg string) error
}

type ExportStatus struct {
	Key        string    `json:"key"`
	Type       string    `json:"type"`
	OperatorID int64     `json:"operator_id"`
	Filters    any       `json:"filters"`
	Progress   float64   `json:"progress"`
	FileURL    *string   `json:"file_url"`
	Error      *string   `json:"error,omitempty"`
	Created    time.Time `json:"created_at"`
}

const (
	exportSetKey = "export_ids"
	exportTTL    = 20 * time.Minute

	maxObligationsForExport = 200_000
)

type ObligationColumn struct {
	Header string
	Value  func(o domain.Obligation) any
}

var obligationColumns = map[string]ObligationColumn{
	"id":                {Header: "ID", Value: func(o domain.Obligation) any { return o.ID }},
	"payable_type":      {Header: "Payable type", Value: func(o domain.Obligation) any { return o.Payable.Type }},
	"payable_id":        {Header: "Payable ID", Value: func(o domain.Obligation) any { return o.Payable.ID }},
	"reason":            {Header: "Reason", Value: func(o domain.Obligation) any { return o.Reason }},
	"state":             {Header: "State", Value: func(o domain.Obligation) any { return string(o.State) }},
	"currency":          {Header: "Currency", Value: func(o domain.Obligation) any { return o.Currency }},
	"price":             {Header: "Price", Value: func(o domain.Obligation) any { return o.Price.String() }},
	"fiat_paid":         {Header: "Paid", Value: func(o domain.Obligation) any { return o.FiatAmountPaid().String() }},
	"fiat_due":          {Header: "Due", Value: func(o domain.Obligation) any { return o.FiatAmountDue().String() }},
	"overpaid":          {Header: "Overpaid", Value: func(o domain.Obligation) any { return o.Overpaid().String() }},
	"crypto_amount_due": {Header: "BTC due (sats)", Value: func(o domain.Obligation) any { return o.CryptoAmountDue }},
	"conversion_rate":   {Header: "Rate snapshot", Value: func(o domain.Obligation) any { return o.ConversionRate.String() }},
	"address":           {Header: "Address", Value: func(o domain.Obligation) any { return o.Address }},
	"tx_count":          {Header: "Transactions", Value: func(o domain.Obligation) any { return len(o.Transactions) }},
	"created_at":        {Header: "Created", Value: func(o domain.Obligation) any { return o.CreatedAt.Format("2006-01-02 15:04:05") }},
}

var defaultObligationColumns = []string{
	"created_at", "id", "payable_type", "payable_id", "state", "currency", "price",
	"fiat_paid", "fiat_due", "overpaid", "crypto_amount_due", "conversion_rate", "address", "tx_count",
}

// ExportService builds reconciliation workbooks in the background and
// tracks their progress in Redis.
type ExportService struct {
	repo  ObligationLister
	redis ExportStore
	files FileStore
	ws    ExportNotifier
}

func NewExportService(repo ObligationLister, redis ExportStore, files FileStore, ws ExportNotifier) *ExportService {
	return &ExportService{repo: repo, redis: redis, files: files, ws: ws}
}

func (s *ExportService) saveExportStatus(ctx context.Context, st *ExportStatus) error {
	if s.redis == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, st.Key, string(data), exportTTL); err != nil {
		return err
	}
	return s.redis.SAdd(ctx, exportSetKey, st.Key)
}

func (s *ExportService) StartObligationsExport(ctx context.Context, selected []string, filter repository.ObligationsFilter, operatorID int64) (string, error) {
	if len(selected) == 0 {
		selected = defaultObligationColumns
	}

	tooMany, err := s.repo.HasMoreThan(ctx, maxObligationsForExport, filter)
	if err != nil {
		return "", err
	}
	if tooMany {
		return "", &domain.ValidationError{Field: "filters", Message: fmt.Sprintf("too many obligations to export (more than %d)", maxObligationsForExport)}
	}

	exportID := fmt.Sprintf("exports:%s", uuid.NewString())
	status := &ExportStatus{
		Key:        exportID,
		Type:       "obligations",
		OperatorID: operatorID,
		Filters:    buildObligationsFiltersMap(filter, selected),
		Created:    time.Now(),
	}
	_ = s.saveExportStatus(ctx, status)

	go s.runObligationsExport(context.Background(), status, selected, filter)

	return exportID, nil
}

func (s *ExportService) runObligationsExport(ctx context.Context, status *ExportStatus, selected []string, filter repository.ObligationsFilter) {
	fail := func(msg string) {
		log.Printf("[EXPORT] %s: %s", status.Key, msg)
		status.Error = &msg
		status.Progress = 100
		_ = s.saveExportStatus(ctx, status)
		if s.ws != nil {
			_ = s.ws.NotifyExportFailed(ctx, status.OperatorID, status.Key, msg)
		}
	}

	obligations, err := s.repo.List(ctx, filter)
	if err != nil {
		fail(fmt.Sprintf("list obligations: %v", err))
		return
	}

	progress := func(done, total int) {
		p := math.Round(float64(done) / float64(total) * 100.0)
		if p >= 100 {
			p = 95
		}
		status.Progress = p
		_ = s.saveExportStatus(ctx, status)
		if s.ws != nil {
			_ = s.ws.NotifyExportProgress(ctx, status.OperatorID, status.Key, p, "generating")
		}
	}

	data, err := BuildObligationsWorkbook(obligations, selected, fmt.Sprintf("operator_%d", status.OperatorID), progress)
	if err != nil {
		fail(err.Error())
		return
	}

	if s.files == nil {
		fail("no file storage configured")
		return
	}

	status.Progress = 95
	_ = s.saveExportStatus(ctx, status)
	if s.ws != nil {
		_ = s.ws.NotifyExportProgress(ctx, status.OperatorID, status.Key, 95, "uploading")
	}

	fileName := fmt.Sprintf("obligations_%s.xlsx", time.Now().Format("20060102_150405"))
	saved, err := s.files.Save(ctx, fileName, data)
	if err != nil {
		fail(fmt.Sprintf("save export failed: %v", err))
		return
	}
	url, err := s.files.URL(ctx, saved)
	if err != nil {
		fail(fmt.Sprintf("build export url failed: %v", err))
		return
	}
	log.Printf("[EXPORT] %s saved as %s (%s)", status.Key, saved, humanize.Bytes(uint64(len(data))))

	status.FileURL = &url
	status.Progress = 100
	_ = s.saveExportStatus(ctx, status)
	if s.ws != nil {
		_ = s.ws.NotifyExportProgress(ctx, status.OperatorID, status.Key, 100, "ready")
		_ = s.ws.NotifyExportComplete(ctx, status.OperatorID, status.Key, url, fileName)
	}
}

// BuildObligationsWorkbook renders obligations into an xlsx file with one
// column per selected key. Unknown keys are ignored.
func BuildObligationsWorkbook(obligations []domain.Obligation, selected []string, creator string, progress func(done, total int)) ([]byte, error) {
	var cols []ObligationColumn
	for _, key := range selected {
		if col, ok := obligationColumns[key]; ok {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return nil, errors.New("no known columns selected")
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := "Obligations"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}
	_ = f.SetDocProps(&excelize.DocProperties{Creator: creator})

	for i, col := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, col.Header)
	}

	total := len(obligations)
	const chunkSize = 1000
	for i, o := range obligations {
		for colIdx, col := range cols {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, i+2)
			_ = f.SetCellValue(sheet, cell, col.Value(o))
		}
		if progress != nil && ((i+1)%chunkSize == 0 || i == total-1) {
			progress(i+1, total)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func buildObligationsFiltersMap(f repository.ObligationsFilter, fields []string) map[string]any {
	m := map[string]any{
		"state":        nil,
		"currency":     nil,
		"payable_type": nil,
		"created_from": nil,
		"created_to":   nil,
	}
	if f.State != nil {
		m["state"] = string(*f.State)
	}
	if f.Currency != nil {
		m["currency"] = *f.Currency
	}
	if f.PayableType != nil {
		m["payable_type"] = *f.PayableType
	}
	if f.CreatedFrom != nil {
		m["created_from"] = f.CreatedFrom.Format("2006-01-02")
	}
	if f.CreatedTo != nil {
		m["created_to"] = f.CreatedTo.Format("2006-01-02")
	}
	m["fields"] = fields
	return m
}

func (s *ExportService) GetExports(ctx context.Context, operatorID int64) ([]map[string]any, error) {
	if s.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	keys, err := s.redis.SMembers(ctx, exportSetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get export keys: %w", err)
	}

	var statuses []ExportStatus
	for _, key := range keys {
		data, err := s.redis.Get(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			// status expired, drop it from the index
			_ = s.redis.SRem(ctx, exportSetKey, key)
			continue
		}
		if err != nil {
			continue
		}
		var status ExportStatus
		if err := json.Unmarshal([]byte(data), &status); err != nil {
			continue
		}
		if status.OperatorID == operatorID {
			statuses = append(statuses, status)
		}
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Created.After(statuses[j].Created)
	})

	exports := make([]map[string]any, 0, len(statuses))
	for _, status := range statuses {
		exports = append(exports, exportView(status))
	}
	return exports, nil
}

func (s *ExportService) GetExport(ctx context.Context, exportID string, operatorID int64) (map[string]any, error) {
	if s.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	data, err := s.redis.Get(ctx, exportID)
	if err != nil {
		return nil, domain.ErrNotFound
	}

	var status ExportStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("failed to parse export status: %w", err)
	}
	if status.OperatorID != operatorID {
		return nil, domain.ErrNotFound
	}
	return exportView(status), nil
}

func exportView(status ExportStatus) map[string]any {
	return map[string]any{
		"key":         status.Key,
		"type":        status.Type,
		"operator_id": status.OperatorID,
		"progress":    status.Progress,
		"file_url":    status.FileURL,
		"error":       status.Error,
		"filters":     status.Filters,
		"created_at":  humanizeAgo(status.Created),
	}
}

func humanizeAgo(t time.Time) string {
	if time.Since(t) < time.Minute {
		return "just now"
	}
	return humanize.Time(t)
}

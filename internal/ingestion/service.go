// Package ingestion loads extracted statement line items from record feeds.
package ingestion

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/repository"
)

// IngestResult is returned from a successful ingestion.
type IngestResult struct {
	BatchID           string `json:"batch_id"`
	AlreadyIngested   bool   `json:"already_ingested,omitempty"`
	RecordsIngested   int    `json:"records_ingested"`
	DuplicatesSkipped int    `json:"duplicates_skipped"`
}

// Service stores record feeds. A feed is identified by its content hash, so
// uploading the same file twice is a no-op.
type Service struct {
	records *repository.RecordRepo
	logger  *logrus.Logger
	now     func() time.Time
}

func NewService(records *repository.RecordRepo, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{records: records, logger: logger, now: time.Now}
}

// Parse dispatches on format: csv, json or xlsx.
func Parse(data []byte, format string) ([]domain.FinancialRecord, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatCSV:
		return ParseCSV(data)
	case FormatJSON:
		return ParseJSON(data)
	case FormatXLSX, "excel":
		return ParseXLSX(data)
	}
	return nil, &domain.ValidationError{Field: "format", Message: fmt.Sprintf("unsupported format %q", format)}
}

// Ingest parses and stores one feed.
func (s *Service) Ingest(ctx context.Context, data []byte, format, source string) (*IngestResult, error) {
	hash := fmt.Sprintf("%x", sha256.Sum256(data))
	exists, err := s.records.BatchExistsByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("check hash: %w", err)
	}
	if exists {
		return &IngestResult{AlreadyIngested: true}, nil
	}

	records, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", format, err)
	}

	batch := &repository.RecordBatch{
		ID:          uuid.NewString(),
		Source:      source,
		Format:      strings.ToLower(format),
		FileHash:    hash,
		RecordCount: len(records),
		IngestedAt:  s.now().UTC(),
	}
	inserted, err := s.records.InsertBatch(ctx, batch, records)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"module":   "ingestion",
		"batch_id": batch.ID,
		"source":   source,
		"format":   batch.Format,
		"records":  len(records),
		"inserted": inserted,
	}).Info("feed ingested")

	return &IngestResult{
		BatchID:           batch.ID,
		RecordsIngested:   inserted,
		DuplicatesSkipped: len(records) - inserted,
	}, nil
}

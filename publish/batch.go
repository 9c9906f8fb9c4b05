package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	coordinator "github.com/wolfeidau/resource-coordinator"
	"github.com/wolfeidau/resource-coordinator/backend"
	"github.com/wolfeidau/resource-coordinator/telemetry"
)

// File is one member of a batch publish.
type File struct {
	Content    []byte
	TargetPath string
}

// BatchResult reports a batch publish. Success means every file was
// published; partial success within the commit phase is reported per-file
// rather than rolled back.
type BatchResult struct {
	Success       bool
	Results       []*Result
	CorrelationID string
}

// PublishBatch publishes several files with all-or-nothing staging: every
// file is written to a temp location first, and any staging failure aborts
// the whole batch with all staged temps cleaned up. The commit phase then
// performs per-file backup and rename.
func (p *Publisher) PublishBatch(ctx context.Context, files []File, correlationID string) *BatchResult {
	start := p.now()
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	batch := &BatchResult{CorrelationID: correlationID}
	staged := make([]string, 0, len(files))

	// Phase 1: stage everything.
	for _, f := range files {
		if err := os.MkdirAll(filepath.Dir(f.TargetPath), 0755); err != nil {
			p.abortStaging(staged)
			batch.Results = append(batch.Results, &Result{
				FinalPath:     f.TargetPath,
				CorrelationID: correlationID,
				Err:           fmt.Errorf("creating target directory: %w", err),
			})
			telemetry.RecordPublish(ctx, "failure", 0, 0, p.now().Sub(start))
			return batch
		}

		tmpPath, err := p.stage(f.Content, f.TargetPath)
		if err != nil {
			p.abortStaging(staged)
			batch.Results = append(batch.Results, &Result{
				FinalPath:     f.TargetPath,
				CorrelationID: correlationID,
				Err:           err,
			})
			telemetry.RecordPublish(ctx, "failure", 0, 0, p.now().Sub(start))
			return batch
		}
		staged = append(staged, tmpPath)
	}

	// Phase 2: per-file backup and rename. Failures here do not roll back
	// files already committed.
	batch.Success = true
	for i, f := range files {
		result := &Result{
			FinalPath:     f.TargetPath,
			TempPath:      staged[i],
			CorrelationID: correlationID,
		}

		if p.config.Backup {
			backupPath, err := p.backup(f.TargetPath)
			if err != nil {
				_ = os.Remove(staged[i])
				result.Err = err
				batch.Success = false
				batch.Results = append(batch.Results, result)
				continue
			}
			result.BackupPath = backupPath
		}

		if err := backend.ReplaceFile(staged[i], f.TargetPath); err != nil {
			_ = os.Remove(staged[i])
			result.Err = err
			batch.Success = false
			batch.Results = append(batch.Results, result)
			continue
		}

		result.Success = true
		result.Checksum = coordinator.ChecksumBytes(f.Content)
		result.BytesWritten = int64(len(f.Content))
		result.Elapsed = p.now().Sub(start)

		if err := p.writeSidecar(f.TargetPath, result); err != nil {
			p.logger.Warn("failed to write publish sidecar", "target", f.TargetPath, "error", err)
		}

		telemetry.RecordPublish(ctx, "success", 0, result.BytesWritten, result.Elapsed)
		batch.Results = append(batch.Results, result)
	}

	p.logger.Info("batch publish finished",
		"files", len(files),
		"success", batch.Success,
		"correlation_id", correlationID,
	)
	return batch
}

// abortStaging removes all staged temp files after a staging failure.
func (p *Publisher) abortStaging(staged []string) {
	for _, path := range staged {
		_ = os.Remove(path)
	}
}

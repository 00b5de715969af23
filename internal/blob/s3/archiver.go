package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// Archiver implements domain.Archiver: it moves closed positions and audit
// rows older than a cutoff into JSONL objects. With purge enabled, archived
// rows are deleted from the database after a successful upload.
//
// Audit rows are archived incrementally: each run records its cutoff in an
// archive.audit entry and the next run starts after it.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions domain.PositionStore
	audit     domain.AuditStore
	purge     bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver. reader may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	positions domain.PositionStore,
	audit domain.AuditStore,
	purge bool,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:    writer,
		reader:    reader,
		positions: positions,
		audit:     audit,
		purge:     purge,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// ArchivePositions uploads every position closed before the cutoff and
// returns how many were archived.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	ps, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(ps) == 0 {
		return 0, nil
	}

	path, err := a.upload(ctx, "positions", ps)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions: %w", err)
	}
	count := int64(len(ps))

	var purged int64
	if a.purge {
		purged, err = a.positions.DeleteClosedBefore(ctx, before)
		if err != nil {
			return count, fmt.Errorf("s3blob: purge archived positions: %w", err)
		}
	}

	a.record(ctx, "archive.positions", path, count, before, purged)
	return count, nil
}

// ArchiveAudit uploads audit rows written before the cutoff that no earlier
// run has archived.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	opts := domain.ListOpts{Until: &before}
	if since, ok := a.auditMark(ctx); ok {
		if !since.Before(before) {
			return 0, nil
		}
		opts.Since = &since
	}

	entries, err := a.audit.List(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	path, err := a.upload(ctx, "audit", entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit: %w", err)
	}
	count := int64(len(entries))

	var purged int64
	if a.purge {
		purged, err = a.audit.DeleteBefore(ctx, before)
		if err != nil {
			return count, fmt.Errorf("s3blob: purge archived audit: %w", err)
		}
	}

	a.record(ctx, "archive.audit", path, count, before, purged)
	return count, nil
}

// auditMark returns where the next audit archive starts: just after the
// cutoff of the last recorded run. created_at has microsecond precision.
func (a *Archiver) auditMark(ctx context.Context) (time.Time, bool) {
	last, err := a.audit.Latest(ctx, "archive.audit")
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger.WarnContext(ctx, "audit archive mark unavailable, archiving from the start",
				slog.String("error", err.Error()))
		}
		return time.Time{}, false
	}
	raw, _ := last.Detail["before"].(string)
	cutoff, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		a.logger.WarnContext(ctx, "malformed audit archive mark",
			slog.Int64("entry_id", last.ID),
			slog.String("before", raw),
		)
		return time.Time{}, false
	}
	return cutoff.Add(time.Microsecond), true
}

func (a *Archiver) upload(ctx context.Context, kind string, records any) (string, error) {
	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	path := archivePath(kind, a.now().UTC())
	if a.reader != nil {
		if exists, err := a.reader.Exists(ctx, path); err == nil && exists {
			path = strings.TrimSuffix(path, ".jsonl") + fmt.Sprintf("-%d.jsonl", a.now().UnixNano())
		}
	}

	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return path, nil
}

func (a *Archiver) record(ctx context.Context, event, path string, count int64, before time.Time, purged int64) {
	a.logger.InfoContext(ctx, "archived",
		slog.String("event", event),
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int64("purged", purged),
	)
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"purged": purged,
		"before": before.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		a.logger.WarnContext(ctx, "archive audit log failed", slog.String("error", err.Error()))
	}
}

// archivePath builds the object key for an archive run, partitioned by day:
//
//	archive/positions/2026-10-17/153000.jsonl
func archivePath(kind string, at time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, at.Format("2006-01-02"), at.Format("150405"))
}

// marshalJSONL serialises a slice as newline-delimited JSON.
func marshalJSONL(records any) ([]byte, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("jsonl: records must be a slice: %w", err)
	}

	var buf bytes.Buffer
	for _, it := range items {
		var line bytes.Buffer
		if err := json.Compact(&line, it); err != nil {
			return nil, err
		}
		buf.Write(line.Bytes())
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

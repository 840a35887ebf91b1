package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	defaultBatchSize = 5000
)

// FillArchiveStore is the part of domain.FillStore the archiver needs.
type FillArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.FillReceipt, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver. Rows older than the cutoff are
// written as JSONL parts under <prefix>/<kind>/<yyyy-mm-dd>/ and deleted from
// the database only after their part has been uploaded.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	fills     FillArchiveStore
	audit     domain.AuditStore
	prefix    string
	batchSize int
}

func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, fills FillArchiveStore, audit domain.AuditStore, prefix string) *Archiver {
	return &Archiver{
		writer:    writer,
		reader:    reader,
		fills:     fills,
		audit:     audit,
		prefix:    strings.Trim(prefix, "/"),
		batchSize: defaultBatchSize,
	}
}

// WithBatchSize sets how many fills go into one archive part.
func (a *Archiver) WithBatchSize(n int) *Archiver {
	if n > 0 {
		a.batchSize = n
	}
	return a
}

// ArchiveFills uploads and deletes fills executed before the cutoff.
//
// A full batch is cut at the timestamp of its last row so that rows sharing
// that timestamp land in the same part as the rest of their peers on the next
// pass. Deletion uses the same cut, so nothing is removed unarchived.
func (a *Archiver) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	day := before.UTC().Format(time.DateOnly)
	var total int64
	part := 0

	for {
		batch, err := a.fills.ListBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive fills query: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		cut := before
		if len(batch) == a.batchSize {
			cut = batch[len(batch)-1].ExecutedAt
			n := slices.IndexFunc(batch, func(r domain.FillReceipt) bool { return !r.ExecutedAt.Before(cut) })
			if n <= 0 {
				return total, fmt.Errorf("s3blob: at least %d fills share executed_at %s", a.batchSize, cut.Format(time.RFC3339Nano))
			}
			batch = batch[:n]
		}

		var p string
		p, part, err = a.nextPart(ctx, "fills", day, part)
		if err != nil {
			return total, err
		}
		if err := putJSONL(ctx, a.writer, p, batch); err != nil {
			return total, fmt.Errorf("s3blob: archive fills upload: %w", err)
		}
		if _, err := a.fills.DeleteBefore(ctx, cut); err != nil {
			return total, fmt.Errorf("s3blob: archive fills delete: %w", err)
		}
		total += int64(len(batch))

		if cut.Equal(before) {
			break
		}
	}

	if total > 0 {
		if err := a.audit.Log(ctx, "archive.fills", map[string]any{
			"count":  total,
			"parts":  part,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive fills audit log: %w", err)
		}
	}
	return total, nil
}

// ArchiveAudit uploads and deletes audit entries created before the cutoff.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	until := before.Add(-time.Nanosecond)
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &until})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	slices.Reverse(entries)

	p, _, err := a.nextPart(ctx, "audit", before.UTC().Format(time.DateOnly), 0)
	if err != nil {
		return 0, err
	}
	if err := putJSONL(ctx, a.writer, p, entries); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}
	if _, err := a.audit.DeleteBefore(ctx, before); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit delete: %w", err)
	}

	count := int64(len(entries))
	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   p,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}
	return count, nil
}

// ListArchives returns the archived parts of kind ("fills" or "audit").
func (a *Archiver) ListArchives(ctx context.Context, kind string) ([]domain.BlobInfo, error) {
	infos, err := a.reader.List(ctx, path.Join(a.prefix, kind)+"/")
	if err != nil {
		return nil, err
	}
	slices.SortFunc(infos, func(x, y domain.BlobInfo) int { return strings.Compare(x.Path, y.Path) })
	return infos, nil
}

// ReadFills decodes an archived fills part.
func (a *Archiver) ReadFills(ctx context.Context, p string) ([]domain.FillReceipt, error) {
	body, err := a.reader.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []domain.FillReceipt
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var r domain.FillReceipt
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("s3blob: %s line %d: %w", p, line, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", p, err)
	}
	return out, nil
}

// nextPart returns the first unused part path after part, so repeated runs
// on the same day never overwrite an earlier upload.
func (a *Archiver) nextPart(ctx context.Context, kind, day string, part int) (string, int, error) {
	for {
		part++
		p := path.Join(a.prefix, kind, day, fmt.Sprintf("part-%04d.jsonl", part))
		exists, err := a.reader.Exists(ctx, p)
		if err != nil {
			return "", part, fmt.Errorf("s3blob: probe %s: %w", p, err)
		}
		if !exists {
			return p, part, nil
		}
	}
}

func putJSONL[T any](ctx context.Context, w domain.BlobWriter, p string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return err
	}
	return w.Put(ctx, p, bytes.NewReader(buf), jsonlContentType)
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

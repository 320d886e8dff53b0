package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

const (
	contentJSON = "application/json"
	ndjson      = "application/x-ndjson"
)

// reportPartSize is the multipart chunk size for replay reports.
const reportPartSize int64 = 8 * 1024 * 1024

// VerdictLister is the part of domain.VerdictStore the monthly archive reads.
type VerdictLister interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Verdict, error)
}

// Archiver writes verdict documents and reports to object storage.
//
// Layout under the configured prefixes:
//
//	<verdicts>/<tx hash>.json               latest verdict of a settlement
//	<reports>/replay-<RFC3339>.jsonl        one verdict per line per replay
//	archive/verdicts/<YYYY-MM>.jsonl        monthly export of the verdict store
type Archiver struct {
	writer        domain.BlobWriter
	verdictPrefix string
	reportPrefix  string
}

// NewArchiver creates an Archiver writing through w.
func NewArchiver(w domain.BlobWriter, verdictPrefix, reportPrefix string) *Archiver {
	return &Archiver{writer: w, verdictPrefix: verdictPrefix, reportPrefix: reportPrefix}
}

// VerdictPath is the object key of the verdict document for txHash.
func VerdictPath(prefix string, txHash common.Hash) string {
	return prefix + txHash.Hex() + ".json"
}

// ReportPath is the object key of a replay report started at ts.
func ReportPath(prefix string, ts time.Time) string {
	return prefix + "replay-" + ts.UTC().Format("20060102T150405Z") + ".jsonl"
}

// ArchivePath is the object key of the monthly verdict export.
func ArchivePath(month time.Time) string {
	return fmt.Sprintf("archive/verdicts/%s.jsonl", month.UTC().Format("2006-01"))
}

// ArchiveVerdict stores v at VerdictPath, replacing an earlier verdict for
// the same transaction.
func (a *Archiver) ArchiveVerdict(ctx context.Context, v domain.Verdict) error {
	data, err := codec.MarshalVerdict(v)
	if err != nil {
		return fmt.Errorf("s3blob: archive verdict: %w", err)
	}
	path := VerdictPath(a.verdictPrefix, v.TxHash)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), contentJSON); err != nil {
		return fmt.Errorf("s3blob: archive verdict %s: %w", path, err)
	}
	return nil
}

// UploadReport streams a JSONL report from r and returns its object key.
func (a *Archiver) UploadReport(ctx context.Context, started time.Time, r io.Reader) (string, error) {
	path := ReportPath(a.reportPrefix, started)
	if err := a.writer.PutMultipart(ctx, path, r, reportPartSize); err != nil {
		return "", fmt.Errorf("s3blob: upload report: %w", err)
	}
	return path, nil
}

// ArchiveMonth exports every stored verdict checked during the calendar
// month of month (UTC) and returns how many were written. Nothing is
// uploaded for an empty month.
func (a *Archiver) ArchiveMonth(ctx context.Context, store VerdictLister, month time.Time) (int, error) {
	start := time.Date(month.UTC().Year(), month.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)

	verdicts, err := store.ListRecent(ctx, domain.ListOpts{Since: &start, Until: &end})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive month query: %w", err)
	}
	if len(verdicts) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(verdicts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive month marshal: %w", err)
	}
	path := ArchivePath(start)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), ndjson); err != nil {
		return 0, fmt.Errorf("s3blob: archive month upload: %w", err)
	}
	return len(verdicts), nil
}

// marshalJSONL writes one compact verdict per line, oldest first.
func marshalJSONL(verdicts []domain.Verdict) ([]byte, error) {
	var buf bytes.Buffer
	for i := len(verdicts) - 1; i >= 0; i-- {
		if err := codec.EncodeVerdict(&buf, verdicts[i]); err != nil {
			return nil, fmt.Errorf("jsonl encode verdict %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"repro-screening/internal/screening"
	"repro-screening/internal/telemetry"
)

// Depositor is the archival service.
type Depositor interface {
	CreateDeposition(ctx context.Context, meta Metadata) (Deposition, error)
	Upload(ctx context.Context, bucketURL, filename string, content io.Reader, size int64) (string, error)
	Publish(ctx context.Context, depositID int64) (string, error)
	Delete(ctx context.Context, depositID int64) (DeleteResult, error)
}

// Pipeline sequences bucket creation, upload, publish and flush.
type Pipeline struct {
	svc      Depositor
	store    RecordStore
	packager *Packager
	logger   *slog.Logger
	now      func() time.Time
}

func NewPipeline(svc Depositor, store RecordStore, packager *Packager, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{svc: svc, store: store, packager: packager, logger: logger, now: time.Now}
}

// MetadataFunc supplies deposition metadata per asset.
type MetadataFunc func(asset Asset) Metadata

// CreateBuckets creates one deposition per asset. If any creation fails the
// depositions made by this call are deleted again and the step fails.
func (p *Pipeline) CreateBuckets(ctx context.Context, req *screening.Request, meta MetadataFunc) ([]Record, error) {
	sub := Submission(req)
	existing, err := p.byAsset(ctx, sub)
	if err != nil {
		return nil, err
	}

	var created, out []Record
	for _, asset := range Assets(req) {
		if rec, ok := existing[asset]; ok && rec.DepositID != 0 {
			out = append(out, rec)
			continue
		}
		dep, err := p.svc.CreateDeposition(ctx, meta(asset))
		if err != nil {
			p.count("create", err)
			p.rollback(ctx, created)
			return nil, fmt.Errorf("create %s deposition: %w", asset, err)
		}
		p.count("create", nil)
		rec := Record{Submission: sub, Asset: asset, DepositID: dep.ID, BucketURL: dep.BucketURL, UpdatedAt: p.now()}
		if err := p.store.SaveRecord(ctx, rec); err != nil {
			p.rollback(ctx, append(created, rec))
			return nil, fmt.Errorf("save %s record: %w", asset, err)
		}
		created = append(created, rec)
		out = append(out, rec)
		p.logger.Info("deposition created", "submission", sub, "asset", asset, "depositID", dep.ID)
	}
	return out, nil
}

func (p *Pipeline) rollback(ctx context.Context, recs []Record) {
	for _, rec := range recs {
		if _, err := p.svc.Delete(ctx, rec.DepositID); err != nil {
			p.logger.Warn("rollback delete failed", "asset", rec.Asset, "depositID", rec.DepositID, "error", err)
		}
		if err := p.store.DeleteRecord(ctx, rec.Submission, rec.Asset); err != nil {
			p.logger.Warn("rollback record delete failed", "asset", rec.Asset, "error", err)
		}
	}
}

// Upload packages asset and PUTs it into its bucket, recording the file id.
func (p *Pipeline) Upload(ctx context.Context, req *screening.Request, asset Asset) (Record, error) {
	sub := Submission(req)
	recs, err := p.byAsset(ctx, sub)
	if err != nil {
		return Record{}, err
	}
	rec, ok := recs[asset]
	if !ok || rec.BucketURL == "" {
		return Record{}, fmt.Errorf("%w: %s for %s", ErrMissingBucket, asset, sub)
	}
	if rec.Published {
		return rec, fmt.Errorf("%w: %s (doi %s)", ErrPublished, asset, rec.DOI)
	}

	art, cleanup, err := p.packager.Package(ctx, req, asset)
	if err != nil {
		return Record{}, err
	}
	defer cleanup()

	f, err := os.Open(art.Path)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Record{}, err
	}

	fileID, err := p.svc.Upload(ctx, rec.BucketURL, art.Filename, f, info.Size())
	p.count("upload", err)
	if err != nil {
		return Record{}, fmt.Errorf("upload %s: %w", asset, err)
	}
	rec.FileID = fileID
	rec.UpdatedAt = p.now()
	if err := p.store.SaveRecord(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("save %s record: %w", asset, err)
	}
	p.logger.Info("asset uploaded", "submission", sub, "asset", asset, "fileID", fileID, "bytes", info.Size())
	return rec, nil
}

// Publish publishes every deposition in order and stops at the first
// failure, leaving the rest unpublished. Every asset must have a deposit id
// and an uploaded file before anything is published.
func (p *Pipeline) Publish(ctx context.Context, req *screening.Request) ([]Record, error) {
	sub := Submission(req)
	recs, err := p.byAsset(ctx, sub)
	if err != nil {
		return nil, err
	}
	var missing []Asset
	for _, asset := range Assets(req) {
		rec, ok := recs[asset]
		if !ok || rec.DepositID == 0 || rec.FileID == "" {
			missing = append(missing, asset)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteUploads, missing)
	}

	var out []Record
	for _, asset := range Assets(req) {
		rec := recs[asset]
		if rec.Published {
			out = append(out, rec)
			continue
		}
		doi, err := p.svc.Publish(ctx, rec.DepositID)
		p.count("publish", err)
		if err != nil {
			return out, fmt.Errorf("publish %s: %w", asset, err)
		}
		rec.DOI = doi
		rec.Published = true
		rec.UpdatedAt = p.now()
		if err := p.store.SaveRecord(ctx, rec); err != nil {
			return out, fmt.Errorf("save %s record: %w", asset, err)
		}
		out = append(out, rec)
		p.logger.Info("deposition published", "submission", sub, "asset", asset, "doi", doi)
	}
	return out, nil
}

// FlushResult is the per-asset outcome of Flush.
type FlushResult struct {
	Asset  Asset
	Result DeleteResult
	Err    error
}

// Flush deletes every unpublished deposition, attempting all assets.
// Published ones are reported as refused.
func (p *Pipeline) Flush(ctx context.Context, req *screening.Request) ([]FlushResult, error) {
	sub := Submission(req)
	recs, err := p.byAsset(ctx, sub)
	if err != nil {
		return nil, err
	}
	var out []FlushResult
	for _, asset := range Assets(req) {
		rec, ok := recs[asset]
		if !ok || rec.DepositID == 0 {
			out = append(out, FlushResult{Asset: asset, Result: Gone})
			continue
		}
		if rec.Published {
			out = append(out, FlushResult{Asset: asset, Result: Refused})
			continue
		}
		res, err := p.svc.Delete(ctx, rec.DepositID)
		p.count("delete", err)
		if err != nil {
			out = append(out, FlushResult{Asset: asset, Err: err})
			continue
		}
		if res != Refused {
			if err := p.store.DeleteRecord(ctx, sub, asset); err != nil {
				out = append(out, FlushResult{Asset: asset, Result: res, Err: err})
				continue
			}
		}
		out = append(out, FlushResult{Asset: asset, Result: res})
	}
	return out, nil
}

// Records returns the stored records of a request's submission.
func (p *Pipeline) Records(ctx context.Context, req *screening.Request) ([]Record, error) {
	return p.store.Records(ctx, Submission(req))
}

func (p *Pipeline) byAsset(ctx context.Context, sub string) (map[Asset]Record, error) {
	recs, err := p.store.Records(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("load archival records: %w", err)
	}
	out := make(map[Asset]Record, len(recs))
	for _, r := range recs {
		out[r.Asset] = r
	}
	return out, nil
}

func (p *Pipeline) count(op string, err error) {
	result := "ok"
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	telemetry.ArchiveOps.WithLabelValues(op, result).Inc()
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"repro-screening/internal/archive"
	"repro-screening/internal/screening"
	"repro-screening/internal/task"
)

// AssetKey selects a single asset for archive:upload.
const AssetKey = "asset"

func (r *Runner) pipeline() (*archive.Pipeline, error) {
	if r.deps.Archive == nil {
		return nil, task.Wrap(task.KindInternal, errors.New("archival pipeline is not configured"))
	}
	return r.deps.Archive, nil
}

func (r *Runner) createBuckets(ctx context.Context, c *task.Controller) (task.Outcome, error) {
	p, err := r.pipeline()
	if err != nil {
		return nil, err
	}
	req := c.Request()
	c.Start(ctx, "Creating archival depositions")

	title := r.field(ctx, req, TitleField)
	if title == "" {
		title = fmt.Sprintf("%s/%s", req.Owner(), req.Repo())
	}
	recs, err := p.CreateBuckets(ctx, req, r.metadata(req, title))
	if err != nil {
		return nil, task.Wrap(archiveKind(err), err)
	}

	var b strings.Builder
	b.WriteString("Depositions ready for upload:\n\n| Asset | Deposit |\n|---|---|\n")
	ids := make(map[string]any, len(recs))
	for _, rec := range recs {
		fmt.Fprintf(&b, "| %s | %d |\n", rec.Asset, rec.DepositID)
		ids[string(rec.Asset)] = rec.DepositID
	}
	out := c.Succeed(ctx, b.String(), true)
	out.Result = map[string]any{"deposits": ids}
	return out, nil
}

// metadata describes each deposition of a submission.
func (r *Runner) metadata(req *screening.Request, title string) archive.MetadataFunc {
	return func(asset archive.Asset) archive.Metadata {
		m := archive.Metadata{
			Description: fmt.Sprintf("Reproducibility asset for %s at commit %s.", title, req.CommitHash),
			Creators:    []archive.Person{{Name: req.Owner()}},
			Keywords:    []string{"reproducibility", "jupyter-book"},
		}
		if r.deps.Community != "" {
			m.Communities = []archive.Ident{{Identifier: r.deps.Community}}
		}
		switch asset {
		case archive.AssetRepository:
			m.Title, m.UploadType = "Source repository: "+title, "software"
		case archive.AssetBook:
			m.Title, m.UploadType = "Rendered book: "+title, "publication"
		case archive.AssetData:
			m.Title, m.UploadType = "Dataset: "+title, "dataset"
		case archive.AssetDocker:
			m.Title, m.UploadType = "Execution environment: "+title, "software"
		}
		return m
	}
}

func (r *Runner) upload(ctx context.Context, c *task.Controller) (task.Outcome, error) {
	p, err := r.pipeline()
	if err != nil {
		return nil, err
	}
	req := c.Request()

	assets := archive.Assets(req)
	if name := req.ExtraValue(AssetKey); name != "" {
		a, err := archive.ParseAsset(name)
		if err != nil {
			return nil, task.Wrap(task.KindInput, err)
		}
		assets = []archive.Asset{a}
	}

	files := make(map[string]any, len(assets))
	var done []string
	for _, a := range assets {
		c.Start(ctx, fmt.Sprintf("Uploading %s", a))
		rec, err := p.Upload(ctx, req, a)
		if err != nil {
			msg := fmt.Sprintf("Upload of %s failed: %v", a, err)
			if len(done) > 0 {
				msg += fmt.Sprintf("\n\nAlready uploaded: %s", strings.Join(done, ", "))
			}
			return c.Fail(ctx, archiveKind(err), msg), nil
		}
		files[string(a)] = rec.FileID
		done = append(done, string(a))
	}

	out := c.Succeed(ctx, fmt.Sprintf("Uploaded %s.", strings.Join(done, ", ")), false)
	out.Result = map[string]any{"files": files}
	return out, nil
}

func (r *Runner) publish(ctx context.Context, c *task.Controller) (task.Outcome, error) {
	p, err := r.pipeline()
	if err != nil {
		return nil, err
	}
	req := c.Request()
	c.Start(ctx, "Publishing depositions")

	recs, err := p.Publish(ctx, req)
	if err != nil {
		msg := fmt.Sprintf("Publication stopped: %v", err)
		if published := publishedList(recs); published != "" {
			msg += "\n\nPublished before the failure (permanent): " + published
		}
		return c.Fail(ctx, archiveKind(err), msg), nil
	}

	var b strings.Builder
	b.WriteString("All depositions are published.\n\n| Asset | DOI |\n|---|---|\n")
	dois := make(map[string]any, len(recs))
	for _, rec := range recs {
		fmt.Fprintf(&b, "| %s | %s |\n", rec.Asset, rec.DOI)
		dois[string(rec.Asset)] = rec.DOI
	}
	msg := b.String()
	out := c.Succeed(ctx, msg, true)
	c.Email(ctx, msg)
	out.Result = map[string]any{"dois": dois}
	return out, nil
}

func (r *Runner) flush(ctx context.Context, c *task.Controller) (task.Outcome, error) {
	p, err := r.pipeline()
	if err != nil {
		return nil, err
	}
	req := c.Request()
	c.Start(ctx, "Deleting unpublished depositions")

	results, err := p.Flush(ctx, req)
	if err != nil {
		return nil, task.Wrap(archiveKind(err), err)
	}

	var b strings.Builder
	b.WriteString("| Asset | Result |\n|---|---|\n")
	summary := make(map[string]any, len(results))
	var failed []string
	for _, res := range results {
		status := string(res.Result)
		if res.Err != nil {
			status = "error: " + res.Err.Error()
			failed = append(failed, string(res.Asset))
		}
		fmt.Fprintf(&b, "| %s | %s |\n", res.Asset, status)
		summary[string(res.Asset)] = status
	}
	if len(failed) > 0 {
		return c.Fail(ctx, task.KindUpstream, fmt.Sprintf("Could not delete %s.\n\n%s", strings.Join(failed, ", "), b.String())), nil
	}
	out := c.Succeed(ctx, b.String(), true)
	out.Result = map[string]any{"flush": summary}
	return out, nil
}

func publishedList(recs []archive.Record) string {
	var names []string
	for _, rec := range recs {
		if rec.Published {
			names = append(names, fmt.Sprintf("%s (%s)", rec.Asset, rec.DOI))
		}
	}
	return strings.Join(names, ", ")
}

func archiveKind(err error) task.ErrorKind {
	var apiErr *archive.APIError
	switch {
	case errors.As(err, &apiErr):
		return task.KindUpstream
	case errors.Is(err, archive.ErrMissingBucket),
		errors.Is(err, archive.ErrIncompleteUploads),
		errors.Is(err, archive.ErrPublished),
		errors.Is(err, archive.ErrUnknownAsset):
		return task.KindInput
	case errors.Is(err, archive.ErrMissingArtifact):
		return task.KindEnvironment
	}
	return task.Classify(err)
}

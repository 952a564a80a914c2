package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/icsd-queryer/models"
	"github.com/aluiziolira/icsd-queryer/parser"
)

// FetchEntry loads the detail view of one collection code, parses it
// against the parse tags, and downloads the CIF and, best effort, the
// structure image.
func (q *Queryer) FetchEntry(ctx context.Context, code string) (*models.Entry, error) {
	entry, err := q.fetchEntry(ctx, code)
	cifBytes := 0
	if entry != nil {
		cifBytes = len(entry.CIF)
	}
	q.Metrics.observeDetail(err, cifBytes)
	return entry, err
}

func (q *Queryer) fetchEntry(ctx context.Context, code string) (*models.Entry, error) {
	if err := parser.ValidateCollectionCode(code); err != nil {
		return nil, ErrNotFound{Err: err}
	}

	target, err := q.cfg.ResolvePath(fmt.Sprintf(q.cfg.DetailPath, url.QueryEscape(code)))
	if err != nil {
		return nil, err
	}

	p, err := q.get(ctx, "detail", target)
	if err != nil {
		var notFound ErrNotFound
		if errors.As(err, &notFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch detail %s: %w", code, err)
	}
	if p.doc == nil {
		return nil, ErrParse{Err: fmt.Errorf("detail view for %s is not html (%s)", code, p.contentType)}
	}
	if parser.EntryMissing(p.doc) {
		return nil, ErrNotFound{Err: fmt.Errorf("entry %s: %s", code, parser.Messages(p.doc))}
	}

	got, err := parser.CollectionCode(p.doc)
	if err != nil {
		return nil, ErrParse{Err: err}
	}
	if got != code {
		return nil, ErrParse{Err: fmt.Errorf("detail view shows collection code %s, want %s", got, code)}
	}

	fields, err := parser.ParseFields(p.doc, q.parseTags, q.cfg.StrictTags)
	if err != nil {
		return nil, ErrParse{Err: fmt.Errorf("entry %s: %w", code, err)}
	}

	entry := &models.Entry{
		CollectionCode: code,
		Fields:         fields,
		SourceURL:      target,
		FetchedAt:      time.Now().UTC(),
	}

	if q.cfg.DownloadCIFs {
		cif, err := q.downloadCIF(ctx, code, p.doc)
		if err != nil {
			return nil, err
		}
		entry.CIF = cif
	}
	if q.cfg.SaveScreenshots {
		entry.Screenshot = q.fetchScreenshot(ctx, code, p.doc)
	}

	slog.Debug("entry fetched",
		slog.String("code", code),
		slog.Int("fields", len(fields)),
		slog.Int("cif_bytes", len(entry.CIF)),
		slog.Bool("screenshot", entry.Screenshot != nil),
	)
	return entry, nil
}

func (q *Queryer) downloadCIF(ctx context.Context, code string, doc *goquery.Document) ([]byte, error) {
	link, ok := parser.CIFLink(doc)
	if !ok {
		var err error
		link, err = q.cfg.ResolvePath(fmt.Sprintf(q.cfg.CIFPath, url.QueryEscape(code)))
		if err != nil {
			return nil, err
		}
	}

	p, err := q.get(ctx, "cif", link)
	if err != nil {
		return nil, fmt.Errorf("download cif for %s: %w", code, err)
	}
	if err := parser.ValidateCIF(p.body); err != nil {
		return nil, ErrParse{Err: fmt.Errorf("cif for %s: %w", code, err)}
	}
	return p.body, nil
}

// fetchScreenshot returns nil when the image is unavailable for any reason.
func (q *Queryer) fetchScreenshot(ctx context.Context, code string, doc *goquery.Document) *models.Screenshot {
	link, ok := parser.ScreenshotLink(doc)
	if !ok {
		slog.Debug("no structure image on detail view", slog.String("code", code))
		return nil
	}

	p, err := q.get(ctx, "screenshot", link)
	if err != nil {
		slog.Debug("screenshot unavailable", slog.String("code", code), slog.Any("error", err))
		return nil
	}
	if len(p.body) == 0 || p.doc != nil {
		slog.Debug("screenshot response is not an image", slog.String("code", code), slog.String("content_type", p.contentType))
		return nil
	}
	return &models.Screenshot{
		Data: p.body,
		Ext:  parser.ImageExt(p.contentType, link),
	}
}

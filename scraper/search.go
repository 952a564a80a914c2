package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/icsd-queryer/models"
	"github.com/aluiziolira/icsd-queryer/parser"
)

// Search submits criteria to the basic search form. The first result page
// is fetched eagerly so rejected queries fail here; later pages are walked
// lazily as the returned IDs sequence is consumed.
func (q *Queryer) Search(ctx context.Context, criteria models.SearchCriteria) (*models.SearchResult, error) {
	if q.session == nil {
		return nil, ErrAuth{Err: ErrNotAuthenticated}
	}
	if err := parser.ValidateCriteria(criteria); err != nil {
		return nil, ErrQuery{Err: err}
	}

	form, err := q.buildQueryForm(criteria)
	if err != nil {
		return nil, ErrQuery{Err: err}
	}

	p, err := q.request(ctx, "search", http.MethodPost, q.session.action, form)
	if err != nil {
		return nil, ErrQuery{Err: fmt.Errorf("submit search: %w", err)}
	}
	if p.doc == nil {
		return nil, ErrQuery{Err: fmt.Errorf("search response is not html (%s)", p.contentType)}
	}

	hits := 0
	if !parser.NoResults(p.doc) {
		var ok bool
		hits, ok, err = parser.ListViewHits(p.doc)
		if err != nil {
			return nil, ErrQuery{Err: err}
		}
		if !ok {
			if msg := parser.Messages(p.doc); msg != "" {
				return nil, ErrQuery{Err: fmt.Errorf("search rejected: %s", msg)}
			}
			return nil, ErrQuery{Err: errors.New(`failed to load "List View" of results`)}
		}
	}
	slog.Info("query yielded hits", slog.Int("hits", hits))
	q.Metrics.setHits(hits)

	w, err := newResultWalker(ctx, q, p.doc, hits)
	if err != nil {
		return nil, err
	}
	return &models.SearchResult{Hits: hits, IDs: w.all}, nil
}

func (q *Queryer) buildQueryForm(criteria models.SearchCriteria) (map[string]string, error) {
	form := maps.Clone(q.session.fields)

	attrs := make([]any, 0, 4)
	for name, value := range criteria.Values() {
		id, ok := q.queryTags.FieldID(name)
		if !ok || id == "" {
			return nil, fmt.Errorf("no form element mapped for %q", name)
		}
		form[id] = value
		attrs = append(attrs, slog.String(name, value))
	}

	sourceIDs := q.queryTags.SourceIDs()
	for _, id := range sourceIDs {
		delete(form, id)
	}
	sources := criteria.StructureSources
	if len(sources) == 0 {
		sources = []models.StructureSource{models.SourceExperimental}
	}
	for _, s := range sources {
		id, ok := sourceIDs[string(s)]
		if !ok {
			return nil, fmt.Errorf("no checkbox mapped for structure source %q", s)
		}
		form[id] = "on"
	}
	form[q.queryTags.RunQuery] = q.queryTags.RunQuery

	slog.Info("querying the ICSD", attrs...)
	return form, nil
}

// resultWalker yields collection codes page by page, skipping codes already
// seen on earlier pages.
type resultWalker struct {
	ctx      context.Context
	q        *Queryer
	first    *goquery.Document
	hits     int
	seen     *lru.Cache[string, struct{}]
	consumed atomic.Bool
}

func newResultWalker(ctx context.Context, q *Queryer, first *goquery.Document, hits int) (*resultWalker, error) {
	seen, err := lru.New[string, struct{}](q.cfg.DedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &resultWalker{
		ctx:   ctx,
		q:     q,
		first: first,
		hits:  hits,
		seen:  seen,
	}, nil
}

func (w *resultWalker) all(yield func(string, error) bool) {
	if !w.consumed.CompareAndSwap(false, true) {
		yield("", ErrResultsConsumed)
		return
	}

	doc := w.first
	w.first = nil
	pages, yielded := 1, 0
	w.q.Metrics.incResultPages()

	for {
		for _, code := range parser.ResultCodes(doc) {
			if w.seen.Contains(code) {
				slog.Debug("skipping duplicate result", slog.String("code", code))
				continue
			}
			w.seen.Add(code, struct{}{})
			yielded++
			if !yield(code, nil) {
				return
			}
		}

		next, ok := parser.NextPageURL(doc)
		if !ok {
			break
		}
		if pages >= w.q.cfg.MaxPages {
			slog.Warn("result page limit reached", slog.Int("pages", pages))
			break
		}

		p, err := w.q.get(w.ctx, "page", next)
		if err != nil {
			yield("", ErrQuery{Err: fmt.Errorf("load result page %d: %w", pages+1, err)})
			return
		}
		if p.doc == nil {
			yield("", ErrQuery{Err: fmt.Errorf("result page %d is not html (%s)", pages+1, p.contentType)})
			return
		}
		doc = p.doc
		pages++
		w.q.Metrics.incResultPages()
	}

	if yielded != w.hits {
		slog.Warn("result listing differs from reported hits",
			slog.Int("hits", w.hits),
			slog.Int("listed", yielded),
		)
	}
}

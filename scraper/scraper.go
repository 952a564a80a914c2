package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/icsd-queryer/config"
	"github.com/aluiziolira/icsd-queryer/parser"
)

// Queryer drives the ICSD web interface: it owns the session (the colly
// backend's cookie jar) and issues one request at a time.
type Queryer struct {
	cfg       *config.Config
	queryTags config.QueryTags
	parseTags config.ParseTags
	collector *colly.Collector
	retry     *retryPolicy
	Metrics   *Metrics

	requestCount int64
	errorCount   int64

	mu           sync.Mutex
	errorsByType map[string]int

	session *session
}

// session is the search form state captured after authentication.
type session struct {
	action string
	fields map[string]string
}

// Stats summarises the requests issued so far.
type Stats struct {
	RequestCount int
	ErrorCount   int
	RetryCount   int
	ErrorsByType map[string]int
}

// page is one fetched response. doc is nil for non-HTML bodies.
type page struct {
	url         string
	contentType string
	body        []byte
	doc         *goquery.Document
}

// NewQueryer builds a queryer configured from cfg and the two tag mappings.
func NewQueryer(cfg *config.Config, queryTags config.QueryTags, parseTags config.ParseTags) (*Queryer, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	q := &Queryer{
		cfg:          cfg,
		queryTags:    queryTags,
		parseTags:    parseTags,
		collector:    collector,
		errorsByType: make(map[string]int),
		Metrics:      NewMetrics(),
	}
	q.retry = newRetryPolicy(cfg, q.Metrics)
	return q, nil
}

// Authenticate loads the basic search page, logging in first when the
// configuration asks for personal login. Without login, access is assumed
// to be IP based.
func (q *Queryer) Authenticate(ctx context.Context) error {
	searchURL, err := q.cfg.ResolvePath(q.cfg.SearchPath)
	if err != nil {
		return ErrAuth{Err: err}
	}

	p, err := q.request(ctx, "login", http.MethodGet, searchURL, nil)
	if err != nil {
		return ErrAuth{Err: fmt.Errorf("load search page: %w", err)}
	}
	if p.doc == nil {
		return ErrAuth{Err: fmt.Errorf("search page is not html (%s)", p.contentType)}
	}
	doc := p.doc

	if q.cfg.UseLogin {
		form := parser.FormFields(doc)
		form[q.queryTags.Login.UserID] = q.cfg.UserID
		form[q.queryTags.Login.Password] = q.cfg.Password
		form[q.queryTags.Login.Submit] = q.queryTags.Login.Submit

		action, ok := parser.FormAction(doc)
		if !ok {
			action = searchURL
		}
		slog.Info("logging in", slog.String("userid", q.cfg.UserID))
		p, err = q.request(ctx, "login", http.MethodPost, action, form)
		if err != nil {
			return ErrAuth{Err: fmt.Errorf("post login form: %w", err)}
		}
		if p.doc == nil {
			return ErrAuth{Err: fmt.Errorf("login response is not html (%s)", p.contentType)}
		}
		doc = p.doc
	}

	if !parser.BasicSearchLoaded(doc) {
		if msg := parser.Messages(doc); q.cfg.UseLogin && msg != "" {
			return ErrAuth{Err: fmt.Errorf("%w: %s", ErrLoginFailed, msg)}
		}
		if q.cfg.UseLogin {
			return ErrAuth{Err: ErrLoginFailed}
		}
		return ErrAuth{Err: errors.New("failed to load Basic Search & Retrieve")}
	}

	action, ok := parser.FormAction(doc)
	if !ok {
		action = searchURL
	}
	q.session = &session{
		action: action,
		fields: parser.FormFields(doc),
	}
	slog.Info("session established", slog.String("search_url", action))
	return nil
}

// Stats returns a snapshot of request counters.
func (q *Queryer) Stats() Stats {
	q.mu.Lock()
	byType := maps.Clone(q.errorsByType)
	q.mu.Unlock()
	return Stats{
		RequestCount: int(atomic.LoadInt64(&q.requestCount)),
		ErrorCount:   int(atomic.LoadInt64(&q.errorCount)),
		RetryCount:   q.retry.TotalRetries(),
		ErrorsByType: byType,
	}
}

// get issues an idempotent GET under the retry policy.
func (q *Queryer) get(ctx context.Context, phase, target string) (*page, error) {
	var p *page
	err := q.retry.Do(ctx, target, func() error {
		var err error
		p, err = q.request(ctx, phase, http.MethodGet, target, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// request issues one synchronous request on a clone of the collector. Clones
// share the backend, so cookies and limit rules carry across requests.
func (q *Queryer) request(ctx context.Context, phase, method, target string, form map[string]string) (*page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := q.collector.Clone()
	var (
		resp   *colly.Response
		status int
	)
	c.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
		atomic.AddInt64(&q.requestCount, 1)
		slog.Debug("queryer request",
			slog.String("phase", phase),
			slog.String("method", r.Method),
			slog.String("url", r.URL.String()),
		)
	})
	c.OnResponse(func(r *colly.Response) {
		resp = r
		if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
			q.Metrics.observeRequest(phase, time.Since(start))
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	var err error
	if method == http.MethodPost {
		err = c.Post(target, form)
	} else {
		err = c.Visit(target)
	}
	if err != nil {
		classified := classifyError(err, status)
		q.recordError(phase, target, classified)
		return nil, classified
	}
	if resp == nil {
		return nil, fmt.Errorf("no response for %s", target)
	}

	p := &page{
		url:  target,
		body: resp.Body,
	}
	if resp.Headers != nil {
		p.contentType = resp.Headers.Get("Content-Type")
	}
	if strings.Contains(p.contentType, "html") {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return nil, ErrParse{Err: fmt.Errorf("parse html from %s: %w", target, err)}
		}
		doc.Url = resp.Request.URL
		p.doc = doc
	}
	return p, nil
}

func (q *Queryer) recordError(phase, target string, err error) {
	atomic.AddInt64(&q.errorCount, 1)
	category := errorTypeLabel(err)

	q.mu.Lock()
	q.errorsByType[category]++
	q.mu.Unlock()

	slog.Warn("request error",
		slog.String("phase", phase),
		slog.String("url", target),
		slog.String("category", category),
		slog.Any("error", err),
	)
	q.Metrics.incError(category)
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}

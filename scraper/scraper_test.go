package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aluiziolira/icsd-queryer/config"
	"github.com/aluiziolira/icsd-queryer/models"
)

func TestRetryPolicyRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rp := newRetryPolicy(cfg, NewMetrics())
	var slept []time.Duration
	rp.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	err := rp.Do(context.Background(), "http://icsd.test/page", func() error {
		calls++
		return ErrRateLimited{Err: errors.New("slow down")}
	})
	if err == nil {
		t.Fatalf("expected final error")
	}
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
	if got := rp.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
	if len(slept) != 2 || slept[0] != time.Hour {
		t.Fatalf("unexpected sleeps %v", slept)
	}
}

func TestRetryPolicySkipsPermanentErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 5

	rp := newRetryPolicy(cfg, NewMetrics())
	rp.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	_ = rp.Do(context.Background(), "http://icsd.test/detail", func() error {
		calls++
		return ErrNotFound{Err: errors.New("gone")}
	})
	if calls != 1 {
		t.Fatalf("calls=%d, want 1 for a permanent error", calls)
	}
}

func TestRetryPolicyBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	rp := newRetryPolicy(cfg, NewMetrics())

	delay := rp.backoff(4)
	if delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
	if got := rp.backoff(1); got != 200*time.Millisecond {
		t.Fatalf("first backoff=%v, want 200ms", got)
	}
}

func TestRetryPolicyBackoffLargeAttempts(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 30 * time.Second

	rp := newRetryPolicy(cfg, NewMetrics())
	for _, attempt := range []int{3, 36, 64, 1000} {
		got := rp.backoff(attempt)
		if got <= 0 || got > cfg.RetryBackoffMax {
			t.Fatalf("backoff(%d)=%v, want within (0, %v]", attempt, got, cfg.RetryBackoffMax)
		}
	}
	if got := rp.backoff(3); got != 800*time.Millisecond {
		t.Fatalf("backoff(3)=%v, want 800ms", got)
	}
	if got := rp.backoff(64); got != cfg.RetryBackoffMax {
		t.Fatalf("backoff(64)=%v, want the cap", got)
	}

	cfg.RetryBackoffMax = 0
	for _, attempt := range []int{36, 64, 1000} {
		if got := rp.backoff(attempt); got <= 0 {
			t.Fatalf("uncapped backoff(%d)=%v, want positive", attempt, got)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestAuthenticateIPBased(t *testing.T) {
	q, transport := newTestQueryer(t, nil)
	transport.RegisterResponder("GET", testSearchURL, htmlResponder(searchPageHTML()))

	if err := q.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if q.session == nil {
		t.Fatalf("session not captured")
	}
	if got := q.session.fields["javax.faces.ViewState"]; got != "view-1" {
		t.Fatalf("view state=%q, want view-1", got)
	}
	if q.session.action != testSearchURL {
		t.Fatalf("action=%q, want %q", q.session.action, testSearchURL)
	}
}

// fakeSite serves a login-protected search form. Search POSTs are answered
// by search only when the session cookie is present.
type fakeSite struct {
	mu       sync.Mutex
	lastForm url.Values
	search   func(form url.Values) *http.Response
}

func (s *fakeSite) register(transport *httpmock.MockTransport) {
	transport.RegisterResponder("GET", testSearchURL, htmlResponder(loginPageHTML("")))
	transport.RegisterResponder("POST", testSearchURL, func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.lastForm = req.PostForm
		s.mu.Unlock()

		if req.PostForm.Get("content_form:loginButtonPersonal") != "" {
			if req.PostForm.Get("content_form:loginId") != "user" || req.PostForm.Get("content_form:password") != "pw" {
				return htmlResponse(http.StatusOK, loginPageHTML("Login failed: invalid credentials")), nil
			}
			if req.PostForm.Get("javax.faces.ViewState") != "login-1" {
				return htmlResponse(http.StatusOK, loginPageHTML("View expired")), nil
			}
			resp := htmlResponse(http.StatusOK, searchPageHTML())
			resp.Header.Add("Set-Cookie", testSession+"=abc; Path=/")
			return resp, nil
		}

		if cookie, err := req.Cookie(testSession); err != nil || cookie.Value != "abc" {
			return htmlResponse(http.StatusOK, loginPageHTML("Session expired")), nil
		}
		return s.search(req.PostForm), nil
	})
}

func (s *fakeSite) form() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastForm
}

func loginConfig(user, password string) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.UseLogin = true
		cfg.UserID = user
		cfg.Password = password
	}
}

func TestAuthenticateLoginAndSearch(t *testing.T) {
	q, transport := newTestQueryer(t, loginConfig("user", "pw"))
	site := &fakeSite{search: func(url.Values) *http.Response {
		return htmlResponse(http.StatusOK, listPageHTML(1, []string{"12345"}, ""))
	}}
	site.register(transport)

	ctx := context.Background()
	if err := q.Authenticate(ctx); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	result, err := q.Search(ctx, models.SearchCriteria{Composition: "SiO2", NumberOfElements: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Hits != 1 {
		t.Fatalf("hits=%d, want 1", result.Hits)
	}

	form := site.form()
	checks := map[string]string{
		"content_form:uiChemistrySearchSumForm:input":       "SiO2",
		"content_form:uiChemistrySearchElCount:input:input": "2",
		"content_form:uiSelectContent:0":                    "on",
		"content_form:btnRunQuery":                          "content_form:btnRunQuery",
		"javax.faces.ViewState":                             "view-1",
	}
	for key, want := range checks {
		if got := form.Get(key); got != want {
			t.Fatalf("form[%s]=%q, want %q", key, got, want)
		}
	}
	if form.Has("content_form:uiSelectContent:2") {
		t.Fatalf("theoretical source should not be selected by default")
	}
	if form.Has("content_form:loginId") {
		t.Fatalf("search form should not resend credentials")
	}
}

func TestAuthenticateInvalidCredentials(t *testing.T) {
	q, transport := newTestQueryer(t, loginConfig("user", "wrong"))
	site := &fakeSite{search: func(url.Values) *http.Response {
		t.Fatalf("search must not be reached")
		return nil
	}}
	site.register(transport)

	err := q.Authenticate(context.Background())
	var authErr ErrAuth
	if !errors.As(err, &authErr) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
	if q.session != nil {
		t.Fatalf("session must not be set after a failed login")
	}
}

func TestAuthenticateUnreachable(t *testing.T) {
	q, transport := newTestQueryer(t, nil)
	transport.RegisterNoResponder(httpmock.NewErrorResponder(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}))

	err := q.Authenticate(context.Background())
	var authErr ErrAuth
	if !errors.As(err, &authErr) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if got := q.Stats().ErrorsByType["connection"]; got != 1 {
		t.Fatalf("connection errors=%d, want 1", got)
	}
}

func TestAuthenticateWithoutSearchPanel(t *testing.T) {
	q, transport := newTestQueryer(t, nil)
	transport.RegisterResponder("GET", testSearchURL, htmlResponder(`<html><body>Access denied</body></html>`))

	var authErr ErrAuth
	if err := q.Authenticate(context.Background()); !errors.As(err, &authErr) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func authenticated(t *testing.T, mutate func(*config.Config)) (*Queryer, *httpmock.MockTransport) {
	t.Helper()
	q, transport := newTestQueryer(t, mutate)
	transport.RegisterResponder("GET", testSearchURL, htmlResponder(searchPageHTML()))
	if err := q.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return q, transport
}

func collect(t *testing.T, result *models.SearchResult) ([]string, error) {
	t.Helper()
	var codes []string
	for code, err := range result.IDs {
		if err != nil {
			return codes, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func TestSearchNoResults(t *testing.T) {
	q, transport := authenticated(t, nil)
	transport.RegisterResponder("POST", testSearchURL, htmlResponder(noResultsHTML()))

	result, err := q.Search(context.Background(), models.SearchCriteria{Composition: "Xe:1:1 Au:1:1"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Hits != 0 {
		t.Fatalf("hits=%d, want 0", result.Hits)
	}
	codes, err := collect(t, result)
	if err != nil || len(codes) != 0 {
		t.Fatalf("codes=%v err=%v, want empty sequence", codes, err)
	}
}

func TestSearchWalksPages(t *testing.T) {
	q, transport := authenticated(t, nil)
	transport.RegisterResponder("POST", testSearchURL,
		htmlResponder(listPageHTML(3, []string{"100", "200"}, "/search/list.xhtml?page=2")))
	transport.RegisterResponder("GET", testBase+"/search/list.xhtml?page=2",
		htmlResponder(listPageHTML(3, []string{"200", "300"}, "")))

	result, err := q.Search(context.Background(), models.SearchCriteria{Composition: "SiO2", NumberOfElements: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Hits != 3 {
		t.Fatalf("hits=%d, want 3", result.Hits)
	}

	codes, err := collect(t, result)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if diff := cmp.Diff([]string{"100", "200", "300"}, codes); diff != "" {
		t.Fatalf("codes mismatch (-want +got):\n%s", diff)
	}

	if _, err := collect(t, result); !errors.Is(err, ErrResultsConsumed) {
		t.Fatalf("second walk err=%v, want ErrResultsConsumed", err)
	}

	if got := testutil.ToFloat64(q.Metrics.hits); got != 3 {
		t.Fatalf("hits gauge=%v, want 3", got)
	}
	if got := testutil.ToFloat64(q.Metrics.resultPages); got != 2 {
		t.Fatalf("result pages=%v, want 2", got)
	}
}

func TestSearchIsLazy(t *testing.T) {
	q, transport := authenticated(t, nil)
	transport.RegisterResponder("POST", testSearchURL,
		htmlResponder(listPageHTML(4, []string{"100", "200"}, "/search/list.xhtml?page=2")))
	transport.RegisterResponder("GET", testBase+"/search/list.xhtml?page=2",
		htmlResponder(listPageHTML(4, []string{"300", "400"}, "")))

	result, err := q.Search(context.Background(), models.SearchCriteria{Composition: "SiO2"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for code := range result.IDs {
		if code == "100" {
			break
		}
	}
	if got := transport.GetCallCountInfo()["GET "+testBase+"/search/list.xhtml?page=2"]; got != 0 {
		t.Fatalf("page 2 fetched %d times before it was needed", got)
	}
}

func TestSearchPageLimit(t *testing.T) {
	q, transport := authenticated(t, func(cfg *config.Config) { cfg.MaxPages = 1 })
	transport.RegisterResponder("POST", testSearchURL,
		htmlResponder(listPageHTML(4, []string{"100", "200"}, "/search/list.xhtml?page=2")))

	result, err := q.Search(context.Background(), models.SearchCriteria{Composition: "SiO2"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	codes, err := collect(t, result)
	if err != nil || len(codes) != 2 {
		t.Fatalf("codes=%v err=%v, want the first page only", codes, err)
	}
}

func TestSearchPageFailure(t *testing.T) {
	q, transport := authenticated(t, nil)
	transport.RegisterResponder("POST", testSearchURL,
		htmlResponder(listPageHTML(3, []string{"100"}, "/search/list.xhtml?page=2")))
	transport.RegisterResponder("GET", testBase+"/search/list.xhtml?page=2", httpmock.NewStringResponder(http.StatusInternalServerError, ""))

	result, err := q.Search(context.Background(), models.SearchCriteria{Composition: "SiO2"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	codes, err := collect(t, result)
	var queryErr ErrQuery
	if !errors.As(err, &queryErr) {
		t.Fatalf("expected ErrQuery, got %v", err)
	}
	if len(codes) != 1 {
		t.Fatalf("codes=%v, want first page yielded before failure", codes)
	}
}

func TestSearchRejected(t *testing.T) {
	q, transport := authenticated(t, nil)
	transport.RegisterResponder("POST", testSearchURL,
		htmlResponder(`<html><body><div id="content_form:messages_container">Invalid composition syntax</div></body></html>`))

	_, err := q.Search(context.Background(), models.SearchCriteria{Composition: "Si::"})
	var queryErr ErrQuery
	if !errors.As(err, &queryErr) {
		t.Fatalf("expected ErrQuery, got %v", err)
	}
}

func TestSearchMalformedCriteria(t *testing.T) {
	q, transport := authenticated(t, nil)
	before := transport.GetTotalCallCount()

	_, err := q.Search(context.Background(), models.SearchCriteria{})
	var queryErr ErrQuery
	if !errors.As(err, &queryErr) {
		t.Fatalf("expected ErrQuery, got %v", err)
	}
	if transport.GetTotalCallCount() != before {
		t.Fatalf("malformed criteria must not reach the service")
	}
}

func TestSearchRequiresSession(t *testing.T) {
	q, _ := newTestQueryer(t, nil)
	_, err := q.Search(context.Background(), models.SearchCriteria{CollectionCode: "12345"})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestFetchEntry(t *testing.T) {
	q, transport := authenticated(t, func(cfg *config.Config) { cfg.SaveScreenshots = true })
	registerEntry(transport, "12345")

	entry, err := q.FetchEntry(context.Background(), "12345")
	if err != nil {
		t.Fatalf("fetch entry: %v", err)
	}

	want := models.Fields{
		"chemical_name": {Text: "Silicon Oxide"},
		"sum_formula":   {Text: "O2 Si1"},
		"space_group":   {Text: "P 32 2 1"},
		"remarks":       {List: []string{"ATF", "RVP"}, Multi: true},
	}
	if diff := cmp.Diff(want, entry.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
	if string(entry.CIF) != cifBody("12345") {
		t.Fatalf("cif=%q", entry.CIF)
	}
	if entry.Screenshot == nil || entry.Screenshot.Ext != "png" {
		t.Fatalf("screenshot=%+v, want png", entry.Screenshot)
	}
	if entry.SourceURL != detailURL("12345") {
		t.Fatalf("source url=%q", entry.SourceURL)
	}
}

func TestFetchEntryFallsBackToCIFPath(t *testing.T) {
	q, transport := authenticated(t, nil)
	page := `<html><body><div class="ui-panel-title">Summary 777</div>
<table><tr><td class="outputlabel">Chem. Name</td><td>Quartz</td></tr></table></body></html>`
	transport.RegisterResponder("GET", detailURL("777"), htmlResponder(page))
	transport.RegisterResponder("GET", cifURL("777"), fileResponder("text/plain", cifBody("777")))

	entry, err := q.FetchEntry(context.Background(), "777")
	if err != nil {
		t.Fatalf("fetch entry: %v", err)
	}
	if len(entry.CIF) == 0 {
		t.Fatalf("expected cif from the configured export path")
	}
	if entry.Screenshot != nil {
		t.Fatalf("screenshots are disabled by default")
	}
}

func TestFetchEntryNotFound(t *testing.T) {
	q, transport := authenticated(t, nil)
	transport.RegisterResponder("GET", detailURL("999"), httpmock.NewStringResponder(http.StatusNotFound, ""))

	_, err := q.FetchEntry(context.Background(), "999")
	var notFound ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = q.FetchEntry(context.Background(), "../etc")
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound for malformed code, got %v", err)
	}
}

func TestFetchEntryRejectsLeadingZeros(t *testing.T) {
	q, transport := authenticated(t, nil)
	registerEntry(transport, "12345")
	before := transport.GetTotalCallCount()

	for _, code := range []string{"012345", "0"} {
		_, err := q.FetchEntry(context.Background(), code)
		var notFound ErrNotFound
		if !errors.As(err, &notFound) {
			t.Fatalf("FetchEntry(%q) err=%v, want ErrNotFound", code, err)
		}
	}
	if got := transport.GetTotalCallCount(); got != before {
		t.Fatalf("issued %d requests for rejected codes", got-before)
	}
}

func TestFetchEntryRecordsDetailResults(t *testing.T) {
	q, transport := authenticated(t, nil)
	registerEntry(transport, "12345")
	transport.RegisterResponder("GET", detailURL("999"), httpmock.NewStringResponder(http.StatusNotFound, ""))
	transport.RegisterResponder("GET", detailURL("777"), htmlResponder(detailPageHTML("54321", "Quartz")))

	if _, err := q.FetchEntry(context.Background(), "12345"); err != nil {
		t.Fatalf("fetch entry: %v", err)
	}
	_, _ = q.FetchEntry(context.Background(), "999")
	_, _ = q.FetchEntry(context.Background(), "777")

	for result, want := range map[string]float64{
		detailOK:       1,
		detailNotFound: 1,
		detailParse:    1,
		detailFailed:   0,
	} {
		if got := testutil.ToFloat64(q.Metrics.details.WithLabelValues(result)); got != want {
			t.Fatalf("detail views{result=%q}=%v, want %v", result, got, want)
		}
	}
	if got := testutil.ToFloat64(q.Metrics.cifBytes); got != float64(len(cifBody("12345"))) {
		t.Fatalf("cif bytes=%v, want %d", got, len(cifBody("12345")))
	}
}

func TestFetchEntryMissingMessage(t *testing.T) {
	q, transport := authenticated(t, nil)
	transport.RegisterResponder("GET", detailURL("998"),
		htmlResponder(`<html><body><div id="content_form:messages_container">Entry not found</div></body></html>`))

	_, err := q.FetchEntry(context.Background(), "998")
	var notFound ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchEntryParseErrors(t *testing.T) {
	tests := []struct {
		name string
		page string
		cif  string
	}{
		{
			name: "code mismatch",
			page: detailPageHTML("54321", "Quartz"),
			cif:  cifBody("12345"),
		},
		{
			name: "no summary",
			page: `<html><body><table><tr><td class="outputlabel">Chem. Name</td><td>Quartz</td></tr></table></body></html>`,
			cif:  cifBody("12345"),
		},
		{
			name: "no labels",
			page: `<html><body><div class="ui-panel-title">Summary 12345</div></body></html>`,
			cif:  cifBody("12345"),
		},
		{
			name: "cif is a login page",
			page: detailPageHTML("12345", "Quartz"),
			cif:  "please log in",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, transport := authenticated(t, nil)
			transport.RegisterResponder("GET", detailURL("12345"), htmlResponder(tt.page))
			transport.RegisterResponder("GET", cifURL("12345"), fileResponder("text/plain", tt.cif))

			_, err := q.FetchEntry(context.Background(), "12345")
			var parseErr ErrParse
			if !errors.As(err, &parseErr) {
				t.Fatalf("expected ErrParse, got %v", err)
			}
		})
	}
}

func TestFetchEntryScreenshotBestEffort(t *testing.T) {
	q, transport := authenticated(t, func(cfg *config.Config) { cfg.SaveScreenshots = true })
	transport.RegisterResponder("GET", detailURL("12345"), htmlResponder(detailPageHTML("12345", "Quartz")))
	transport.RegisterResponder("GET", cifURL("12345"), fileResponder("chemical/x-cif", cifBody("12345")))
	transport.RegisterResponder("GET", imageURL("12345"), httpmock.NewStringResponder(http.StatusNotFound, ""))

	entry, err := q.FetchEntry(context.Background(), "12345")
	if err != nil {
		t.Fatalf("missing screenshot must not fail the entry: %v", err)
	}
	if entry.Screenshot != nil {
		t.Fatalf("screenshot=%+v, want nil", entry.Screenshot)
	}
}

func TestFetchEntryRetriesTransientErrors(t *testing.T) {
	q, transport := authenticated(t, func(cfg *config.Config) {
		cfg.MaxRetries = 1
		cfg.RetryBackoff = time.Millisecond
		cfg.RetryBackoffMax = time.Millisecond
	})

	calls := 0
	transport.RegisterResponder("GET", detailURL("12345"), func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusTooManyRequests, ""), nil
		}
		return htmlResponse(http.StatusOK, detailPageHTML("12345", "Quartz")), nil
	})
	transport.RegisterResponder("GET", cifURL("12345"), fileResponder("chemical/x-cif", cifBody("12345")))

	if _, err := q.FetchEntry(context.Background(), "12345"); err != nil {
		t.Fatalf("fetch entry: %v", err)
	}
	stats := q.Stats()
	if stats.RetryCount != 1 {
		t.Fatalf("retries=%d, want 1", stats.RetryCount)
	}
	if stats.ErrorsByType["rate_limited"] != 1 {
		t.Fatalf("errors by type=%v", stats.ErrorsByType)
	}
}

func TestFetchEntryScenarioCode(t *testing.T) {
	q, transport := authenticated(t, nil)
	transport.RegisterResponder("POST", testSearchURL, htmlResponder(listPageHTML(1, []string{"12345"}, "")))
	registerEntry(transport, "12345")

	ctx := context.Background()
	result, err := q.Search(ctx, models.SearchCriteria{CollectionCode: "12345"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	fetched := 0
	for code, err := range result.IDs {
		if err != nil {
			t.Fatalf("walk: %v", err)
		}
		entry, err := q.FetchEntry(ctx, code)
		if err != nil {
			t.Fatalf("fetch %s: %v", code, err)
		}
		if entry.CollectionCode != "12345" {
			t.Fatalf("code=%q", entry.CollectionCode)
		}
		fetched++
	}
	if fetched != 1 {
		t.Fatalf("fetched=%d, want 1", fetched)
	}
	if got := fmt.Sprint(q.Stats().ErrorCount); got != "0" {
		t.Fatalf("errors=%s, want 0", got)
	}
}

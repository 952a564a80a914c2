package scraper

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/icsd-queryer/config"
)

const (
	testBase      = "http://icsd.test"
	testSearchURL = testBase + "/search/basic.xhtml"
	testSession   = "JSESSIONID"
)

func testParseTags() config.ParseTags {
	return config.ParseTags{Fields: []config.FieldTag{
		{Name: "chemical_name", Label: "Chem. Name"},
		{Name: "sum_formula", Label: "Sum"},
		{Name: "space_group", Label: "Space Group"},
		{Name: "remarks", Label: "Remarks", List: true},
	}}
}

func newTestQueryer(t *testing.T, mutate func(*config.Config)) (*Queryer, *httpmock.MockTransport) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	if mutate != nil {
		mutate(cfg)
	}

	queryTags, err := config.LoadQueryTags("")
	if err != nil {
		t.Fatalf("load query tags: %v", err)
	}

	q, err := NewQueryer(cfg, queryTags, testParseTags())
	if err != nil {
		t.Fatalf("new queryer: %v", err)
	}
	transport := httpmock.NewMockTransport()
	q.collector.WithTransport(transport)
	return q, transport
}

func htmlResponse(status int, body string) *http.Response {
	resp := httpmock.NewStringResponse(status, body)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return resp
}

func htmlResponder(body string) httpmock.Responder {
	return httpmock.ResponderFromResponse(htmlResponse(http.StatusOK, body))
}

func fileResponder(contentType, body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", contentType)
	return httpmock.ResponderFromResponse(resp)
}

func searchPageHTML() string {
	return `<html><body>
<form id="content_form" action="/search/basic.xhtml" method="post">
<input type="hidden" name="content_form" value="content_form"/>
<input type="hidden" name="javax.faces.ViewState" value="view-1"/>
<div id="content_form:mainSearchPanel_header"><span>Basic Search &amp; Retrieve</span></div>
<input type="text" name="content_form:uiChemistrySearchSumForm:input"/>
</form>
</body></html>`
}

func loginPageHTML(message string) string {
	return fmt.Sprintf(`<html><body>
<form id="content_form" action="/search/basic.xhtml" method="post">
<input type="hidden" name="content_form" value="content_form"/>
<input type="hidden" name="javax.faces.ViewState" value="login-1"/>
<input type="text" name="content_form:loginId"/>
<input type="password" name="content_form:password"/>
</form>
<div id="content_form:messages_container">%s</div>
</body></html>`, message)
}

func noResultsHTML() string {
	return `<html><body>
<div id="content_form:messages_container"><span>No results found.</span></div>
</body></html>`
}

func listPageHTML(hits int, codes []string, next string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<html><body><div class="ui-panel-title">List View %d</div>`, hits)
	b.WriteString(`<table id="display_form:listViewTable"><tbody>`)
	for i, code := range codes {
		fmt.Fprintf(&b, `<tr data-ri="%d" data-rk="%s"><td>%s</td></tr>`, i, code, code)
	}
	b.WriteString(`</tbody></table>`)
	if next != "" {
		fmt.Fprintf(&b, `<a class="ui-paginator-next" href="%s">next</a>`, next)
	} else {
		b.WriteString(`<a class="ui-paginator-next ui-state-disabled" href="#">next</a>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func detailPageHTML(code, name string) string {
	return fmt.Sprintf(`<html><body>
<form id="display_form" action="/search/detail.xhtml">
<div class="ui-panel-title">Detailed View 1</div>
<div class="ui-panel-title">Summary %[1]s</div>
<table>
<tr><td class="outputlabel">Chem. Name</td><td>%[2]s</td></tr>
<tr><td class="outputlabel">Sum</td><td>O2 Si1</td></tr>
<tr><td class="outputlabel">Space Group</td><td>P 32 2 1</td></tr>
<tr><td class="outputlabel">Remarks</td><td>RVP</td></tr>
<tr><td class="outputlabel">Remarks</td><td>ATF</td></tr>
</table>
<a id="display_form:btnEntryDownloadCif" href="/search/export/cif?collectionCode=%[1]s">Export CIF</a>
<img id="display_form:structureImage" src="/images/%[1]s.png"/>
</form>
</body></html>`, code, name)
}

func cifBody(code string) string {
	return fmt.Sprintf("#(C) 2024 by FIZ Karlsruhe\ndata_%s-ICSD\n_cell_length_a 4.91\n", code)
}

func detailURL(code string) string {
	return testBase + "/search/detail.xhtml?collectionCode=" + code
}

func cifURL(code string) string {
	return testBase + "/search/export/cif?collectionCode=" + code
}

func imageURL(code string) string {
	return testBase + "/images/" + code + ".png"
}

// registerEntry serves the detail view, CIF, and image for code.
func registerEntry(transport *httpmock.MockTransport, code string) {
	transport.RegisterResponder("GET", detailURL(code), htmlResponder(detailPageHTML(code, "Silicon Oxide")))
	transport.RegisterResponder("GET", cifURL(code), fileResponder("chemical/x-cif", cifBody(code)))
	transport.RegisterResponder("GET", imageURL(code), fileResponder("image/png", "\x89PNG\r\n\x1a\nfake"))
}

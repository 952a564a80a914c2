package parser

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/icsd-queryer/config"
	"github.com/aluiziolira/icsd-queryer/models"
)

const (
	searchForm       = "content_form"
	searchHeader     = `[id="content_form:mainSearchPanel_header"]`
	messagesBox      = `[id="content_form:messages_container"]`
	listViewTable    = `[id="display_form:listViewTable"]`
	cifExportLink    = `a[id="display_form:btnEntryDownloadCif"]`
	structureImage   = `img[id="display_form:structureImage"]`
	panelTitle       = ".ui-panel-title"
	paginatorNext    = "a.ui-paginator-next"
	disabledState    = "ui-state-disabled"
	detailFieldLabel = "td.outputlabel"
)

// FormFields returns the hidden inputs of the search form, which carry the
// JSF view state that every POST must echo back.
func FormFields(doc *goquery.Document) map[string]string {
	out := make(map[string]string)
	doc.Find(fmt.Sprintf("form[id=%q] input[type=hidden]", searchForm)).Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		out[name] = s.AttrOr("value", "")
	})
	return out
}

// FormAction returns the absolute URL the search form posts to.
func FormAction(doc *goquery.Document) (string, bool) {
	action, ok := doc.Find(fmt.Sprintf("form[id=%q]", searchForm)).Attr("action")
	if !ok || strings.TrimSpace(action) == "" {
		return "", false
	}
	return resolve(doc, action), true
}

// BasicSearchLoaded reports whether the page is the basic search form.
func BasicSearchLoaded(doc *goquery.Document) bool {
	return strings.Contains(doc.Find(searchHeader).Text(), "Basic Search")
}

// Messages returns the text of the page's message box, if any.
func Messages(doc *goquery.Document) string {
	return NormalizeText(doc.Find(messagesBox).Text())
}

// NoResults reports whether the search produced an empty result.
func NoResults(doc *goquery.Document) bool {
	return strings.Contains(Messages(doc), "No results found")
}

// EntryMissing reports whether a detail request named an unknown entry.
func EntryMissing(doc *goquery.Document) bool {
	msg := strings.ToLower(Messages(doc))
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no entry")
}

// ListViewHits reads the hit count from the "List View N" panel title.
// ok is false when the page is not a list view.
func ListViewHits(doc *goquery.Document) (hits int, ok bool, err error) {
	return panelNumber(doc, "List View")
}

// ResultCodes returns the collection codes listed on one result page, in
// page order.
func ResultCodes(doc *goquery.Document) []string {
	var codes []string
	doc.Find(listViewTable + " tr[data-rk]").Each(func(_ int, s *goquery.Selection) {
		code := strings.TrimSpace(s.AttrOr("data-rk", ""))
		if code != "" {
			codes = append(codes, code)
		}
	})
	return codes
}

// NextPageURL returns the paginator's next link, if it is enabled.
func NextPageURL(doc *goquery.Document) (string, bool) {
	next := doc.Find(paginatorNext).First()
	if next.Length() == 0 || next.HasClass(disabledState) {
		return "", false
	}
	href, ok := next.Attr("href")
	if !ok || strings.TrimSpace(href) == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	return resolve(doc, href), true
}

// CollectionCode reads the code from the detail view's "Summary" panel.
func CollectionCode(doc *goquery.Document) (string, error) {
	var title string
	doc.Find(panelTitle).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := NormalizeText(s.Text())
		if strings.Contains(text, "Summary") {
			title = text
			return false
		}
		return true
	})
	if title == "" {
		return "", fmt.Errorf("summary panel not found")
	}
	fields := strings.Fields(title)
	code := fields[len(fields)-1]
	if err := ValidateCollectionCode(code); err != nil {
		return "", fmt.Errorf("parse summary title %q: %w", title, err)
	}
	return code, nil
}

// ParseFields extracts every tagged field from a detail view. A single field
// takes the value of its last label on the page; list fields collect every
// non-empty value. Absent single fields are empty strings and absent list
// fields are empty lists. The page
// is rejected when none of the labels match, or when strict is set and any
// label is missing.
func ParseFields(doc *goquery.Document, tags config.ParseTags, strict bool) (models.Fields, error) {
	labels := labelIndex(doc)

	fields := make(models.Fields, len(tags.Fields))
	var missing []string
	for _, tag := range tags.Fields {
		values, found := labels[tag.Label]
		if !found {
			missing = append(missing, tag.Name)
		}
		if tag.List {
			fields[tag.Name] = models.Value{List: uniqueSorted(values), Multi: true}
			continue
		}
		text := ""
		if len(values) > 0 {
			text = values[len(values)-1]
		}
		fields[tag.Name] = models.Value{Text: text}
	}

	if len(missing) == len(tags.Fields) {
		return nil, fmt.Errorf("no detail labels matched the parse tags")
	}
	if strict && len(missing) > 0 {
		return nil, fmt.Errorf("detail labels missing for %s", strings.Join(missing, ", "))
	}
	return fields, nil
}

// CIFLink returns the detail view's CIF export link.
func CIFLink(doc *goquery.Document) (string, bool) {
	href, ok := doc.Find(cifExportLink).Attr("href")
	if !ok || strings.TrimSpace(href) == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	return resolve(doc, href), true
}

// ScreenshotLink returns the structure image shown on the detail view.
func ScreenshotLink(doc *goquery.Document) (string, bool) {
	src, ok := doc.Find(structureImage).Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return "", false
	}
	return resolve(doc, src), true
}

// labelIndex maps each output label to the values of the cells that follow
// it, in page order. Empty values are kept.
func labelIndex(doc *goquery.Document) map[string][]string {
	out := make(map[string][]string)
	doc.Find(detailFieldLabel).Each(func(_ int, s *goquery.Selection) {
		label := NormalizeText(s.Text())
		if label == "" {
			return
		}
		out[label] = append(out[label], NormalizeText(s.Next().Text()))
	})
	return out
}

func panelNumber(doc *goquery.Document, marker string) (int, bool, error) {
	var title string
	doc.Find(panelTitle).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := NormalizeText(s.Text())
		if strings.Contains(text, marker) {
			title = text
			return false
		}
		return true
	})
	if title == "" {
		return 0, false, nil
	}
	fields := strings.Fields(title)
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, true, fmt.Errorf("parse %q count from %q: %w", marker, title, err)
	}
	return n, true, nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func resolve(doc *goquery.Document, href string) string {
	href = strings.TrimSpace(href)
	if doc.Url == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return doc.Url.ResolveReference(ref).String()
}

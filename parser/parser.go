package parser

import (
	"bytes"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/aluiziolira/icsd-queryer/models"
)

// MaxElements bounds the element-count criterion to the periodic table.
const MaxElements = 103

// ValidateCriteria ensures the query can be posted to the search form.
func ValidateCriteria(c models.SearchCriteria) error {
	if c.CollectionCode == "" && strings.TrimSpace(c.Composition) == "" && c.NumberOfElements == 0 {
		return fmt.Errorf("empty query")
	}
	if c.CollectionCode != "" {
		if err := ValidateCollectionCode(c.CollectionCode); err != nil {
			return err
		}
	}
	if c.Composition != "" && strings.TrimSpace(c.Composition) == "" {
		return fmt.Errorf("composition is blank")
	}
	if c.NumberOfElements < 0 || c.NumberOfElements > MaxElements {
		return fmt.Errorf("number of elements %d out of range 1..%d", c.NumberOfElements, MaxElements)
	}

	seen := make(map[models.StructureSource]struct{}, len(c.StructureSources))
	for _, s := range c.StructureSources {
		switch s {
		case models.SourceExperimental, models.SourceMetalOrganic, models.SourceTheoretical:
		default:
			return fmt.Errorf("unknown structure source %q", s)
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("duplicate structure source %q", s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

// ValidateCollectionCode accepts positive decimal identifiers only, which
// also keeps the code safe to use as a folder name.
func ValidateCollectionCode(code string) error {
	if code == "" {
		return fmt.Errorf("collection code is empty")
	}
	if len(code) > 10 {
		return fmt.Errorf("collection code %q too long", code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return fmt.Errorf("collection code %q is not numeric", code)
		}
	}
	if code[0] == '0' {
		return fmt.Errorf("collection code %q has a leading zero", code)
	}
	return nil
}

// ValidateCIF checks that data holds at least one CIF data block.
func ValidateCIF(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("cif is empty")
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("data_")) {
			return nil
		}
	}
	return fmt.Errorf("cif has no data block")
}

// NormalizeText collapses runs of whitespace into single spaces.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// ImageExt picks a file extension for a downloaded image, preferring the
// content type and falling back to the URL path.
func ImageExt(contentType, rawURL string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "image/png":
			return "png"
		case "image/jpeg":
			return "jpg"
		case "image/gif":
			return "gif"
		case "image/svg+xml":
			return "svg"
		}
	}
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(strings.SplitN(rawURL, "?", 2)[0])), "."); ext != "" {
		switch ext {
		case "png", "jpg", "jpeg", "gif", "svg":
			return ext
		}
	}
	return "png"
}

package config

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed tags/*.yml
var embeddedTags embed.FS

// QueryTags maps logical search fields onto the element ids of the basic
// search form.
type QueryTags struct {
	Fields           QueryFields `yaml:"fields"`
	StructureSources SourceTags  `yaml:"structure_sources"`
	RunQuery         string      `yaml:"run_query"`
	Login            LoginTags   `yaml:"login"`
}

// QueryFields holds the text inputs a query can fill.
type QueryFields struct {
	CollectionCode   string `yaml:"icsd_collection_code"`
	Composition      string `yaml:"composition"`
	NumberOfElements string `yaml:"number_of_elements"`
}

// SourceTags holds the content selection checkboxes.
type SourceTags struct {
	Experimental string `yaml:"expt"`
	MetalOrganic string `yaml:"mofs"`
	Theoretical  string `yaml:"theo"`
}

// LoginTags holds the personal login form inputs.
type LoginTags struct {
	UserID   string `yaml:"userid"`
	Password string `yaml:"password"`
	Submit   string `yaml:"submit"`
}

// FieldID returns the form element id for a logical field name.
func (q QueryTags) FieldID(name string) (string, bool) {
	switch name {
	case "icsd_collection_code":
		return q.Fields.CollectionCode, true
	case "composition":
		return q.Fields.Composition, true
	case "number_of_elements":
		return q.Fields.NumberOfElements, true
	}
	return "", false
}

// SourceIDs returns the checkbox ids keyed by structure source name.
func (q QueryTags) SourceIDs() map[string]string {
	return map[string]string{
		"expt": q.StructureSources.Experimental,
		"mofs": q.StructureSources.MetalOrganic,
		"theo": q.StructureSources.Theoretical,
	}
}

// Validate rejects mappings with missing element ids, reporting the first
// empty one in document order.
func (q QueryTags) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"fields.icsd_collection_code", q.Fields.CollectionCode},
		{"fields.composition", q.Fields.Composition},
		{"fields.number_of_elements", q.Fields.NumberOfElements},
		{"structure_sources.expt", q.StructureSources.Experimental},
		{"structure_sources.mofs", q.StructureSources.MetalOrganic},
		{"structure_sources.theo", q.StructureSources.Theoretical},
		{"run_query", q.RunQuery},
		{"login.userid", q.Login.UserID},
		{"login.password", q.Login.Password},
		{"login.submit", q.Login.Submit},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("query tags: %s is empty", r.key)
		}
	}
	return nil
}

// FieldTag binds a logical field name to the label shown on the detail view.
type FieldTag struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label"`
	List  bool   `yaml:"list"`
}

// ParseTags is the ordered set of detail fields written for every entry.
type ParseTags struct {
	Fields []FieldTag `yaml:"fields"`
}

var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Names returns the logical field names in mapping order.
func (p ParseTags) Names() []string {
	out := make([]string, 0, len(p.Fields))
	for _, f := range p.Fields {
		out = append(out, f.Name)
	}
	return out
}

// Validate rejects empty, duplicate, or malformed field names and labels.
func (p ParseTags) Validate() error {
	if len(p.Fields) == 0 {
		return errors.New("parse tags: no fields defined")
	}
	seen := make(map[string]struct{}, len(p.Fields))
	for i, f := range p.Fields {
		if !fieldNamePattern.MatchString(f.Name) {
			return fmt.Errorf("parse tags: field %d has invalid name %q", i, f.Name)
		}
		if f.Label == "" {
			return fmt.Errorf("parse tags: field %q has no label", f.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("parse tags: duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// LoadQueryTags reads the query mapping from path, or the embedded default
// when path is empty.
func LoadQueryTags(path string) (QueryTags, error) {
	var tags QueryTags
	if err := decodeTags(path, "tags/query_tags.yml", &tags); err != nil {
		return QueryTags{}, err
	}
	if err := tags.Validate(); err != nil {
		return QueryTags{}, err
	}
	return tags, nil
}

// LoadParseTags reads the detail field mapping from path, or the embedded
// default when path is empty.
func LoadParseTags(path string) (ParseTags, error) {
	var tags ParseTags
	if err := decodeTags(path, "tags/parse_tags.yml", &tags); err != nil {
		return ParseTags{}, err
	}
	if err := tags.Validate(); err != nil {
		return ParseTags{}, err
	}
	return tags, nil
}

func decodeTags(path, embedded string, out any) error {
	var (
		data []byte
		err  error
	)
	if path == "" {
		data, err = embeddedTags.ReadFile(embedded)
		path = embedded
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read tags %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode tags %q: %w", path, err)
	}
	return nil
}

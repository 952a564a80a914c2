// Package models defines data structures shared by the queryer packages.
package models

import (
	"encoding/json"
	"iter"
	"strconv"
	"time"
)

// StructureSource selects one of the ICSD content collections.
type StructureSource string

const (
	SourceExperimental StructureSource = "expt"
	SourceMetalOrganic StructureSource = "mofs"
	SourceTheoretical  StructureSource = "theo"
)

// SearchCriteria describes one query against the basic search form.
// Empty fields are left out of the submitted form.
type SearchCriteria struct {
	CollectionCode   string
	Composition      string
	NumberOfElements int
	StructureSources []StructureSource
}

// Values returns the logical field names and values that are set.
func (c SearchCriteria) Values() map[string]string {
	out := make(map[string]string, 3)
	if c.CollectionCode != "" {
		out["icsd_collection_code"] = c.CollectionCode
	}
	if c.Composition != "" {
		out["composition"] = c.Composition
	}
	if c.NumberOfElements > 0 {
		out["number_of_elements"] = strconv.Itoa(c.NumberOfElements)
	}
	return out
}

// SearchResult is the outcome of a submitted search. IDs walks the result
// pages lazily and can only be ranged over once.
type SearchResult struct {
	Hits int
	IDs  iter.Seq2[string, error]
}

// Value is a parsed detail field: a single string, or a list for
// multi-valued tags.
type Value struct {
	Text  string
	List  []string
	Multi bool
}

// MarshalJSON encodes single values as strings and multi values as arrays.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Multi {
		list := v.List
		if list == nil {
			list = []string{}
		}
		return json.Marshal(list)
	}
	return json.Marshal(v.Text)
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*v = Value{List: list, Multi: true}
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	*v = Value{Text: text}
	return nil
}

// Fields maps logical tag names to parsed values.
type Fields map[string]Value

// Screenshot is the structure image shown on an entry's detail view.
type Screenshot struct {
	Data []byte
	Ext  string
}

// Entry is one ICSD record as fetched from its detail view.
type Entry struct {
	CollectionCode string
	Fields         Fields
	CIF            []byte
	Screenshot     *Screenshot
	SourceURL      string
	FetchedAt      time.Time
}

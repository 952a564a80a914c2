package models

import "time"

// EntryRecord is one row of the run index written next to the entry folders.
type EntryRecord struct {
	CollectionCode string    `csv:"collection_code" json:"collection_code"`
	Folder         string    `csv:"folder" json:"folder"`
	HasCIF         bool      `csv:"has_cif" json:"has_cif"`
	HasScreenshot  bool      `csv:"has_screenshot" json:"has_screenshot"`
	FieldCount     int       `csv:"field_count" json:"field_count"`
	SourceURL      string    `csv:"source_url" json:"source_url"`
	FetchedAt      time.Time `csv:"fetched_at" json:"fetched_at"`
}

// EntryFailure records an entry that produced no folder.
type EntryFailure struct {
	CollectionCode string
	Stage          string // fetch or persist
	Err            error
}

// RunResult holds the overall result of a query run.
type RunResult struct {
	Hits         int
	Persisted    []string
	Failures     []EntryFailure
	StartTime    time.Time
	EndTime      time.Time
	RequestCount int
	ErrorCount   int
	RetryCount   int
	ErrorsByType map[string]int
}

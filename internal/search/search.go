// Package search finds icons by name or tag. Meilisearch is used when it is
// reachable; Postgres answers otherwise.
package search

import (
	"encoding/hex"

	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Name    string   `json:"name"`
	Tags    []string `json:"tags"`
	Formats []string `json:"formats"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer keeps a search index in step with the icon table.
type Indexer interface {
	IndexIcons(icons []IconRecord) error
	DeleteIcon(name string) error
}

// IconRecord is the data indexed for an icon.
type IconRecord struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Tags    []string `json:"tags"`
	Formats []string `json:"formats"`
	Sizes   []string `json:"sizes"`
}

// RecordFor builds the index record of an icon.
func RecordFor(desc store.IconDescriptor) IconRecord {
	rec := IconRecord{
		ID:      recordID(desc.Name),
		Name:    desc.Name,
		Tags:    nonNilStrings(desc.Tags),
		Formats: make([]string, 0),
		Sizes:   make([]string, 0),
	}
	seenFormat := map[string]bool{}
	seenSize := map[string]bool{}
	for _, f := range desc.Iconfiles {
		if !seenFormat[f.Format] {
			seenFormat[f.Format] = true
			rec.Formats = append(rec.Formats, f.Format)
		}
		if !seenSize[f.Size] {
			seenSize[f.Size] = true
			rec.Sizes = append(rec.Sizes, f.Size)
		}
	}
	return rec
}

// recordID maps an icon name onto the characters Meilisearch accepts in a
// primary key.
func recordID(name string) string {
	return hex.EncodeToString([]byte(name))
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Package layouts provides named, predefined geometries for new UFS1 images.
package layouts

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/dargueta/ufstool/errors"
	"github.com/dargueta/ufstool/file_systems/ufs1"
	"github.com/gocarina/gocsv"
)

// Layout is one row of the preset table.
type Layout struct {
	Name           string `csv:"name"`
	Slug           string `csv:"slug"`
	TotalBytes     int64  `csv:"total_bytes"`
	BlockSize      int    `csv:"block_size"`
	FragmentSize   int    `csv:"fragment_size"`
	InodesPerGroup int    `csv:"inodes_per_group"`
	FragsPerGroup  int    `csv:"frags_per_group"`
	Notes          string `csv:"notes"`
}

// FormatOptions returns the options to pass to [ufs1.Format] for this layout.
// Anything the layout doesn't specify is left at its default.
func (l *Layout) FormatOptions() ufs1.FormatOptions {
	return ufs1.FormatOptions{
		BlockSize:      l.BlockSize,
		FragmentSize:   l.FragmentSize,
		InodesPerGroup: l.InodesPerGroup,
		FragsPerGroup:  l.FragsPerGroup,
	}
}

//go:embed layouts.csv
var layoutsRawCSV string
var layouts map[string]Layout

// Get returns the predefined layout named `slug`.
func Get(slug string) (Layout, error) {
	layout, ok := layouts[slug]
	if ok {
		return layout, nil
	}
	return Layout{}, errors.NewWithMessage(
		errors.ENOENT, fmt.Sprintf("no predefined layout exists with slug %q", slug))
}

// Slugs returns the slugs of all predefined layouts in alphabetical order.
func Slugs() []string {
	slugs := make([]string, 0, len(layouts))
	for slug := range layouts {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

func parseLayouts(rawCSV string) (map[string]Layout, error) {
	csvReader := csv.NewReader(strings.NewReader(rawCSV))
	csvReader.Comma = '|'
	csvReader.LazyQuotes = true

	var rows []Layout
	err := gocsv.UnmarshalCSV(csvReader, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to decode layout table: %w", err)
	}

	result := make(map[string]Layout, len(rows))
	for i, row := range rows {
		_, exists := result[row.Slug]
		if exists {
			return nil, fmt.Errorf(
				"duplicate definition for layout %q found on row %d", row.Slug, i+1)
		}
		result[row.Slug] = row
	}
	return result, nil
}

func init() {
	var err error
	layouts, err = parseLayouts(layoutsRawCSV)
	if err != nil {
		panic(err)
	}
}

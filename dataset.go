package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Record is one (product, country, year) production value from the
// reference dataset. Product and Country keep their original casing
// for display; lookups fold case and whitespace.
type Record struct {
	Product string  `json:"product"`
	Country string  `json:"country"`
	Year    int     `json:"year"`
	Value   float64 `json:"value"`
}

type sliceKey struct {
	product string
	year    int
}

// Dataset is the production lookup table. Loaded once at startup,
// then read-only, so rooms share it without synchronization.
type Dataset struct {
	products []string
	slices   map[sliceKey][]Record
	count    int
}

func foldKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Products returns the distinct product names in file order.
func (d *Dataset) Products() []string {
	return d.products
}

// Slice returns the records matching product (case-insensitive) and year,
// in file order. A nil result means no data for that pair.
func (d *Dataset) Slice(product string, year int) []Record {
	return d.slices[sliceKey{product: foldKey(product), year: year}]
}

// Countries returns the distinct countries present in the (product, year)
// slice, keeping the dataset's display casing.
func (d *Dataset) Countries(product string, year int) []string {
	slice := d.Slice(product, year)

	countries := lo.Map(slice, func(r Record, _ int) string {
		return r.Country
	})

	return lo.UniqBy(countries, foldKey)
}

func (d *Dataset) Len() int {
	return d.count
}

// detectSeparator picks whichever of comma, semicolon, or tab occurs
// most often in the header line, matching lenient FAOSTAT exports.
func detectSeparator(header string) rune {
	commas := strings.Count(header, ",")
	semicolons := strings.Count(header, ";")
	tabs := strings.Count(header, "\t")

	switch {
	case tabs >= commas && tabs >= semicolons:
		return '\t'
	case semicolons >= commas:
		return ';'
	default:
		return ','
	}
}

func separatorFor(policy, header string) (rune, error) {
	switch policy {
	case "comma":
		return ',', nil
	case "semicolon":
		return ';', nil
	case "tab":
		return '\t', nil
	case "auto":
		return detectSeparator(header), nil
	}

	return 0, fmt.Errorf("unknown separator policy %q", policy)
}

// LoadDataset parses a FAOSTAT-style CSV (Item, Area, Year, Value columns)
// into a Dataset. Rows with missing or non-numeric fields are skipped
// rather than failing the whole load.
func LoadDataset(cfg *Config) (*Dataset, error) {
	f, err := os.Open(cfg.dataset)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseDataset(f, cfg.datasetSeparator)
}

func parseDataset(r io.Reader, policy string) (*Dataset, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	text := strings.TrimPrefix(string(raw), "\uFEFF")

	header, _, _ := strings.Cut(text, "\n")
	sep, err := separatorFor(policy, header)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = sep
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing dataset: %w", err)
	}
	if len(rows) < 1 {
		return nil, errors.New("dataset is empty")
	}

	columns := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		columns[foldKey(name)] = i
	}

	for _, required := range []string{"item", "area", "year", "value"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("dataset is missing the %q column", required)
		}
	}

	d := &Dataset{
		slices: make(map[sliceKey][]Record),
	}

	var products []string

	for _, row := range rows[1:] {
		product := cell(row, columns["item"])
		country := cell(row, columns["area"])
		year, yearErr := strconv.Atoi(cell(row, columns["year"]))
		value, valueErr := strconv.ParseFloat(cell(row, columns["value"]), 64)

		if product == "" || country == "" || yearErr != nil || valueErr != nil || value < 0 {
			continue
		}

		key := sliceKey{product: foldKey(product), year: year}
		d.slices[key] = append(d.slices[key], Record{
			Product: product,
			Country: country,
			Year:    year,
			Value:   value,
		})
		d.count++

		products = append(products, product)
	}

	d.products = lo.UniqBy(products, foldKey)

	return d, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

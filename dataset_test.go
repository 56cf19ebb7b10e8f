package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const fixtureCSV = `Item,Area,Year,Value
Wheat,France,2023,100.5
Wheat,Italy,2023,300
wheat,Spain,2023,50
Maize,Brazil,2023,800
Wheat,France,2022,90
`

func fixtureDataset(t *testing.T) *Dataset {
	t.Helper()

	d, err := parseDataset(strings.NewReader(fixtureCSV), "auto")
	require.NoError(t, err)

	return d
}

func TestDetectSeparator(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   rune
	}{
		{"comma", "Item,Area,Year,Value", ','},
		{"semicolon", "Item;Area;Year;Value", ';'},
		{"tab", "Item\tArea\tYear\tValue", '\t'},
		{"mixed favors majority", "Item;Area;Year;Value,extra", ';'},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, detectSeparator(tc.header))
		})
	}
}

func TestParseDatasetAutoDetectsSeparator(t *testing.T) {
	req := require.New(t)

	for _, sep := range []string{",", ";", "\t"} {
		csv := strings.ReplaceAll(fixtureCSV, ",", sep)

		d, err := parseDataset(strings.NewReader(csv), "auto")
		req.NoError(err)
		req.Equal(5, d.Len())
	}
}

func TestParseDatasetForcedSeparator(t *testing.T) {
	req := require.New(t)

	csv := strings.ReplaceAll(fixtureCSV, ",", ";")

	d, err := parseDataset(strings.NewReader(csv), "semicolon")
	req.NoError(err)
	req.Equal(5, d.Len())

	_, err = parseDataset(strings.NewReader(csv), "bogus")
	req.Error(err)
}

func TestParseDatasetStripsBOMAndWhitespace(t *testing.T) {
	req := require.New(t)

	csv := "\uFEFFItem,Area,Year,Value\n Wheat , France ,2023, 100 \n"

	d, err := parseDataset(strings.NewReader(csv), "auto")
	req.NoError(err)
	req.Equal(1, d.Len())

	slice := d.Slice("wheat", 2023)
	req.Len(slice, 1)
	req.Equal("Wheat", slice[0].Product)
	req.Equal("France", slice[0].Country)
	req.InDelta(100, slice[0].Value, 1e-9)
}

func TestParseDatasetSkipsMalformedRows(t *testing.T) {
	req := require.New(t)

	csv := `Item,Area,Year,Value
Wheat,France,2023,100
,France,2023,100
Wheat,,2023,100
Wheat,France,notayear,100
Wheat,France,2023,notavalue
Wheat,France,2023,-5
`

	d, err := parseDataset(strings.NewReader(csv), "auto")
	req.NoError(err)
	req.Equal(1, d.Len())
}

func TestParseDatasetMissingColumn(t *testing.T) {
	_, err := parseDataset(strings.NewReader("Item,Area,Year\nWheat,France,2023\n"), "auto")
	require.ErrorContains(t, err, "value")
}

func TestSliceIsCaseInsensitiveButPreservesCasing(t *testing.T) {
	req := require.New(t)
	d := fixtureDataset(t)

	slice := d.Slice("  WHEAT ", 2023)
	req.Len(slice, 3)
	req.Equal("France", slice[0].Country)
	req.Equal("Italy", slice[1].Country)
	req.Equal("Spain", slice[2].Country)

	req.Empty(d.Slice("Wheat", 1999))
	req.Empty(d.Slice("Rice", 2023))
}

func TestProductsAreDistinctInFileOrder(t *testing.T) {
	d := fixtureDataset(t)

	require.Equal(t, []string{"Wheat", "Maize"}, d.Products())
}

func TestCountriesAreDistinctPerProductAndYear(t *testing.T) {
	req := require.New(t)
	d := fixtureDataset(t)

	req.Equal([]string{"France", "Italy", "Spain"}, d.Countries("Wheat", 2023))
	req.Equal([]string{"France"}, d.Countries("Wheat", 2022))
	req.Empty(d.Countries("Wheat", 1999))
}

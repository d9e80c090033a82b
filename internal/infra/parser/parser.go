// Package parser turns a downloaded affiliate-feed payload into row objects
// (§4.E phase 1, step 2: "format-specific parser yields row objects plus a
// bounded list of parse errors"). One parser per entity.FeedFormat.
package parser

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"priceintel/internal/domain/entity"
)

// MaxPersistedParseErrors bounds how many parse errors are kept per run
// ("first 100 persisted").
const MaxPersistedParseErrors = 100

// Row is one normalized record read from a feed file. Fields map directly
// onto entity.Product/entity.Price; string-valued numeric fields are parsed
// lazily by the caller so a single bad field doesn't discard an otherwise
// usable row silently — callers decide.
type Row struct {
	SourceProductID string
	IdentityKey     string
	SKU             string
	UPC             string
	Brand           string
	Caliber         string
	Title           string
	URL             string
	PriceRaw        string
	InStockRaw      string
}

// Price parses PriceRaw as a float64.
func (r Row) Price() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(r.PriceRaw), 64)
}

// InStock parses InStockRaw into a tri-state bool; nil means "not reported".
func (r Row) InStock() *bool {
	v := strings.ToLower(strings.TrimSpace(r.InStockRaw))
	switch v {
	case "true", "1", "yes", "in_stock", "instock":
		b := true
		return &b
	case "false", "0", "no", "out_of_stock", "outofstock":
		b := false
		return &b
	default:
		return nil
	}
}

// RowError records one malformed row; up to MaxPersistedParseErrors are kept.
type RowError struct {
	Index   int
	Message string
}

// Result is the output of Parse: row objects plus a bounded error list and
// the true total row count (needed to detect maxRowCount overflow even when
// the error list itself is truncated).
type Result struct {
	Rows          []Row
	Errors        []RowError
	TotalRowCount int
}

// ErrMaxRowCountExceeded is returned when the feed declares a TotalRowCount
// ceiling and the file exceeds it — a permanent failure per §4.E step 2.
var ErrMaxRowCountExceeded = fmt.Errorf("feed row count exceeds configured maximum")

// Parser yields rows from a feed payload in a specific wire format.
type Parser interface {
	Parse(r io.Reader, maxRowCount int) (*Result, error)
}

// ForFormat returns the Parser implementation for a FeedFormat.
func ForFormat(format entity.FeedFormat) (Parser, error) {
	switch format {
	case entity.FeedFormatCSV:
		return CSVParser{}, nil
	case entity.FeedFormatXML:
		return XMLParser{}, nil
	case entity.FeedFormatJSON:
		return JSONParser{}, nil
	default:
		return nil, fmt.Errorf("parser: unsupported format %q", format)
	}
}

func appendError(errs []RowError, index int, msg string) []RowError {
	if len(errs) >= MaxPersistedParseErrors {
		return errs
	}
	return append(errs, RowError{Index: index, Message: msg})
}

// columnAliases maps the canonical Row field to the column-header spellings
// accepted across retailer feeds; lookups are case-insensitive.
var columnAliases = map[string][]string{
	"sourceProductId": {"source_product_id", "sourceproductid", "product_id", "sku_id"},
	"identityKey":     {"identity_key", "identitykey"},
	"sku":             {"sku"},
	"upc":             {"upc", "gtin", "ean"},
	"brand":           {"brand", "manufacturer"},
	"caliber":         {"caliber", "cal"},
	"title":           {"title", "name", "product_name"},
	"url":             {"url", "link", "product_url"},
	"price":           {"price", "sale_price", "current_price"},
	"inStock":         {"in_stock", "instock", "availability"},
}

func lookup(fields map[string]string, canonical string) string {
	for _, alias := range columnAliases[canonical] {
		if v, ok := fields[alias]; ok {
			return v
		}
	}
	return ""
}

func rowFromFields(fields map[string]string) Row {
	lower := make(map[string]string, len(fields))
	for k, v := range fields {
		lower[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return Row{
		SourceProductID: lookup(lower, "sourceProductId"),
		IdentityKey:     lookup(lower, "identityKey"),
		SKU:             lookup(lower, "sku"),
		UPC:             lookup(lower, "upc"),
		Brand:           lookup(lower, "brand"),
		Caliber:         lookup(lower, "caliber"),
		Title:           lookup(lower, "title"),
		URL:             lookup(lower, "url"),
		PriceRaw:        lookup(lower, "price"),
		InStockRaw:      lookup(lower, "inStock"),
	}
}

// CSVParser reads a header row plus one record per line.
type CSVParser struct{}

func (CSVParser) Parse(r io.Reader, maxRowCount int) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return &Result{}, nil
		}
		return nil, fmt.Errorf("parser: read CSV header: %w", err)
	}

	res := &Result{}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.TotalRowCount++
			res.Errors = appendError(res.Errors, res.TotalRowCount, err.Error())
			continue
		}
		res.TotalRowCount++
		if res.TotalRowCount > maxRowCount {
			return res, ErrMaxRowCountExceeded
		}

		fields := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(record) {
				fields[h] = record[i]
			}
		}
		res.Rows = append(res.Rows, rowFromFields(fields))
	}
	return res, nil
}

// XMLParser reads a generic <items><item>...</item></items> document; field
// names inside <item> are matched against the same column aliases as CSV.
type XMLParser struct{}

func (XMLParser) Parse(r io.Reader, maxRowCount int) (*Result, error) {
	dec := xml.NewDecoder(r)
	res := &Result{}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parser: read XML token: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "item" {
			continue
		}

		fields := map[string]string{}
		if err := decodeXMLItem(dec, &start, fields); err != nil {
			res.TotalRowCount++
			res.Errors = appendError(res.Errors, res.TotalRowCount, err.Error())
			continue
		}
		res.TotalRowCount++
		if res.TotalRowCount > maxRowCount {
			return res, ErrMaxRowCountExceeded
		}
		res.Rows = append(res.Rows, rowFromFields(fields))
	}
	return res, nil
}

// decodeXMLItem walks the children of a <item> element, collecting each
// leaf element's text as fields[name]=text.
func decodeXMLItem(dec *xml.Decoder, start *xml.StartElement, fields map[string]string) error {
	depth := 0
	var currentName string
	var buf strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			currentName = t.Name.Local
			buf.Reset()
		case xml.CharData:
			buf.Write(t)
		case xml.EndElement:
			if t.Name.Local == start.Name.Local && depth == 0 {
				return nil
			}
			if depth > 0 {
				fields[currentName] = buf.String()
				buf.Reset()
				depth--
			}
		}
	}
}

// JSONParser reads a top-level JSON array of flat objects.
type JSONParser struct{}

func (JSONParser) Parse(r io.Reader, maxRowCount int) (*Result, error) {
	dec := json.NewDecoder(r)
	res := &Result{}

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return res, nil
		}
		return nil, fmt.Errorf("parser: read JSON array start: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("parser: expected top-level JSON array")
	}

	for dec.More() {
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			res.TotalRowCount++
			res.Errors = appendError(res.Errors, res.TotalRowCount, err.Error())
			continue
		}
		res.TotalRowCount++
		if res.TotalRowCount > maxRowCount {
			return res, ErrMaxRowCountExceeded
		}

		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			fields[k] = fmt.Sprintf("%v", v)
		}
		res.Rows = append(res.Rows, rowFromFields(fields))
	}
	return res, nil
}

// Package bulk ingests periodic bulk files: national-network SYNOP bulletins
// and the ship/buoy feed. Records arrive keyed by foreign identifiers (SYNOP
// index, call sign) and are resolved to stations through the registry.
package bulk

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

// Record is one decoded bulk line, still keyed by its upstream identifier.
type Record struct {
	ForeignID string
	Time      time.Time
	Fields    map[string]float64
}

// Decoder parses one line of a bulk file. Implementations are pure; blank
// lines and comments never reach them.
type Decoder interface {
	DecodeLine(line string) (Record, error)
}

// DelimitedDecoder parses the semicolon-delimited export format:
//
//	<foreign-id>;<RFC3339 timestamp>;<name>=<value>;...
//
// Unparseable quantity tokens invalidate the whole line.
type DelimitedDecoder struct{}

// DecodeLine implements Decoder.
func (DelimitedDecoder) DecodeLine(line string) (Record, error) {
	parts := strings.Split(line, ";")
	if len(parts) < 2 {
		return Record{}, fmt.Errorf("op=bulk.decode: %w: %q", domain.ErrInvalidMessage, line)
	}
	id := strings.TrimSpace(parts[0])
	if id == "" {
		return Record{}, fmt.Errorf("op=bulk.decode: %w: empty identifier", domain.ErrInvalidMessage)
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[1]))
	if err != nil {
		return Record{}, fmt.Errorf("op=bulk.decode: %w: %w", domain.ErrInvalidMessage, err)
	}

	rec := Record{ForeignID: id, Time: ts, Fields: map[string]float64{}}
	for _, tok := range parts[2:] {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		name, raw, ok := strings.Cut(tok, "=")
		if !ok {
			return Record{}, fmt.Errorf("op=bulk.decode: %w: token %q", domain.ErrInvalidMessage, tok)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Record{}, fmt.Errorf("op=bulk.decode: %w: token %q", domain.ErrInvalidMessage, tok)
		}
		rec.Fields[name] = v
	}
	return rec, nil
}

// Package bpsv implements Blizzard Pipe-Separated Values, the typed
// pipe-delimited tabular format used by Ribbit/TACT product config,
// .build.info, and CDN archive manifests.
//
// Grounded on the teacher's compactindexsized header codec for the
// "validate then decode, error on malformed input" shape, generalized to a
// line-oriented text format instead of a binary one.
package bpsv

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
)

// FieldKind is one of the three recognized BPSV column types.
type FieldKind int

const (
	KindString FieldKind = iota
	KindHex
	KindDec
)

// Field describes one column of a BPSV document.
type Field struct {
	Name string
	Kind FieldKind
	// Width is STRING's max length (0 = unlimited), HEX's byte count, or
	// DEC's storage width in bytes. It is informational for STRING/DEC:
	// parsing never rejects a shorter/longer string or a DEC value that
	// doesn't fit in Width bytes (DEC accepts any 64-bit signed integer,
	// per spec.md §4.1), but HEX strictly enforces 2*Width hex characters.
	Width int
}

// Document is a parsed BPSV table.
type Document struct {
	Fields []Field
	Rows   [][]string
	// SeqNum is the value of the "## seqn = N" metadata line, or -1 if the
	// document carried no sequence number.
	SeqNum int64
}

func (d *Document) fieldIndex(name string) int {
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// String returns the raw string value of column `name` in row r, or "" if
// either is absent.
func (d *Document) String(r int, name string) string {
	i := d.fieldIndex(name)
	if i < 0 || r < 0 || r >= len(d.Rows) {
		return ""
	}
	return d.Rows[r][i]
}

// Hex returns the decoded bytes of a HEX column.
func (d *Document) Hex(r int, name string) ([]byte, error) {
	return hex.DecodeString(d.String(r, name))
}

// Dec returns the parsed integer value of a DEC column.
func (d *Document) Dec(r int, name string) (int64, error) {
	s := d.String(r, name)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseFieldKind(tag string) (FieldKind, int, error) {
	parts := strings.SplitN(tag, ":", 2)
	if len(parts) != 2 {
		return 0, 0, ngdperr.ErrMalformedHeader
	}
	width, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad field width %q", ngdperr.ErrMalformedHeader, parts[1])
	}
	switch strings.ToUpper(parts[0]) {
	case "STRING":
		return KindString, width, nil
	case "HEX":
		return KindHex, width, nil
	case "DEC":
		return KindDec, width, nil
	default:
		return 0, 0, fmt.Errorf("%w: unknown field type %q", ngdperr.ErrMalformedHeader, parts[0])
	}
}

// Parse decodes a BPSV document from text.
func Parse(text string) (*Document, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	doc := &Document{SeqNum: -1}
	headerSeen := false

	for _, line := range lines {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "##") {
			meta := strings.TrimSpace(strings.TrimPrefix(line, "##"))
			key, val, ok := strings.Cut(meta, "=")
			if ok && strings.TrimSpace(key) == "seqn" {
				n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
				if err != nil {
					return nil, fmt.Errorf("%w: bad seqn value %q", ngdperr.ErrMalformedHeader, val)
				}
				if doc.SeqNum != -1 && n < doc.SeqNum {
					return nil, fmt.Errorf("%w: seqn decreased from %d to %d", ngdperr.ErrMalformedHeader, doc.SeqNum, n)
				}
				doc.SeqNum = n
			}
			continue
		}

		if !headerSeen {
			cols := strings.Split(line, "|")
			doc.Fields = make([]Field, len(cols))
			for i, col := range cols {
				name, tag, ok := strings.Cut(col, "!")
				if !ok {
					return nil, fmt.Errorf("%w: column %q missing !TYPE tag", ngdperr.ErrMalformedHeader, col)
				}
				kind, width, err := parseFieldKind(tag)
				if err != nil {
					return nil, err
				}
				doc.Fields[i] = Field{Name: name, Kind: kind, Width: width}
			}
			headerSeen = true
			continue
		}

		cells := strings.Split(line, "|")
		if len(cells) != len(doc.Fields) {
			return nil, fmt.Errorf("%w: row has %d columns, header has %d", ngdperr.ErrRowArityMismatch, len(cells), len(doc.Fields))
		}
		for i, f := range doc.Fields {
			if cells[i] == "" {
				continue
			}
			switch f.Kind {
			case KindHex:
				if f.Width > 0 && len(cells[i]) != f.Width*2 {
					return nil, fmt.Errorf("%w: column %q expected %d hex chars, got %d", ngdperr.ErrInvalidHexLiteral, f.Name, f.Width*2, len(cells[i]))
				}
				if _, err := hex.DecodeString(cells[i]); err != nil {
					return nil, fmt.Errorf("%w: column %q: %v", ngdperr.ErrInvalidHexLiteral, f.Name, err)
				}
			case KindDec:
				if _, err := strconv.ParseInt(cells[i], 10, 64); err != nil {
					return nil, fmt.Errorf("%w: column %q: %v", ngdperr.ErrInvalidInteger, f.Name, err)
				}
			}
		}
		doc.Rows = append(doc.Rows, cells)
	}

	if !headerSeen {
		return nil, ngdperr.ErrMalformedHeader
	}
	return doc, nil
}

func kindTag(k FieldKind, width int) string {
	var name string
	switch k {
	case KindString:
		name = "STRING"
	case KindHex:
		name = "HEX"
	case KindDec:
		name = "DEC"
	}
	return fmt.Sprintf("%s:%d", name, width)
}

// Write serializes a Document back to BPSV text, including its seqn
// metadata line if set.
func Write(d *Document) string {
	var b strings.Builder

	headerCols := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		headerCols[i] = fmt.Sprintf("%s!%s", f.Name, kindTag(f.Kind, f.Width))
	}
	b.WriteString(strings.Join(headerCols, "|"))
	b.WriteByte('\n')

	for _, row := range d.Rows {
		b.WriteString(strings.Join(row, "|"))
		b.WriteByte('\n')
	}

	if d.SeqNum >= 0 {
		fmt.Fprintf(&b, "## seqn = %d\n", d.SeqNum)
	}

	return b.String()
}

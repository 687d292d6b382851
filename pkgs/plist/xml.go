package plist

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
`

const xmlDateLayout = "2006-01-02T15:04:05Z"

type xmlDecoder struct {
	dec   *xml.Decoder
	depth int
}

func decodeXML(data []byte) (any, error) {
	d := &xmlDecoder{dec: xml.NewDecoder(bytes.NewReader(data))}
	start, err := d.nextStart()
	if err != nil {
		return nil, err
	}
	if start.Name.Local != "plist" {
		return d.value(start)
	}
	inner, err := d.nextStart()
	if err != nil {
		return nil, err
	}
	return d.value(inner)
}

// nextStart skips to the next start element. Reaching an end element first
// returns errEnd.
func (d *xmlDecoder) nextStart() (xml.StartElement, error) {
	for {
		tok, err := d.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, fmt.Errorf("plist: unexpected end of document")
			}
			return xml.StartElement{}, fmt.Errorf("plist: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			return xml.StartElement{}, errEnd
		}
	}
}

var errEnd = errors.New("plist: end element")

func (d *xmlDecoder) text(start xml.StartElement) (string, error) {
	var s string
	if err := d.dec.DecodeElement(&s, &start); err != nil {
		return "", fmt.Errorf("plist: <%s>: %w", start.Name.Local, err)
	}
	return s, nil
}

func (d *xmlDecoder) value(start xml.StartElement) (any, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting too deep", ErrUnsupported)
	}

	switch start.Name.Local {
	case "dict":
		dict := NewDict()
		for {
			keyElem, err := d.nextStart()
			if errors.Is(err, errEnd) {
				return dict, nil
			}
			if err != nil {
				return nil, err
			}
			if keyElem.Name.Local != "key" {
				return nil, fmt.Errorf("plist: expected <key>, found <%s>", keyElem.Name.Local)
			}
			key, err := d.text(keyElem)
			if err != nil {
				return nil, err
			}
			valElem, err := d.nextStart()
			if err != nil {
				if errors.Is(err, errEnd) {
					return nil, fmt.Errorf("plist: missing value for key %q", key)
				}
				return nil, err
			}
			v, err := d.value(valElem)
			if err != nil {
				return nil, err
			}
			dict.Set(key, v)
		}
	case "array":
		arr := []any{}
		for {
			elem, err := d.nextStart()
			if errors.Is(err, errEnd) {
				return arr, nil
			}
			if err != nil {
				return nil, err
			}
			v, err := d.value(elem)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
	case "string":
		return d.text(start)
	case "integer":
		s, err := d.text(start)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("plist: invalid integer %q", s)
		}
		return u, nil
	case "real":
		s, err := d.text(start)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("plist: invalid real %q", s)
		}
		return f, nil
	case "true", "false":
		if err := d.dec.Skip(); err != nil {
			return nil, fmt.Errorf("plist: %w", err)
		}
		return start.Name.Local == "true", nil
	case "date":
		s, err := d.text(start)
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(xmlDateLayout, strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("plist: invalid date %q", s)
		}
		return t, nil
	case "data":
		s, err := d.text(start)
		if err != nil {
			return nil, err
		}
		s = strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
				return -1
			}
			return r
		}, s)
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("plist: invalid data: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: <%s>", ErrUnsupported, start.Name.Local)
}

func encodeXML(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	if err := writeXML(&buf, v, 0); err != nil {
		return nil, err
	}
	buf.WriteString("</plist>\n")
	return buf.Bytes(), nil
}

func writeXML(buf *bytes.Buffer, v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting too deep", ErrUnsupported)
	}
	v, err := normalize(v)
	if err != nil {
		return err
	}
	indent := strings.Repeat("\t", depth)
	buf.WriteString(indent)

	switch t := v.(type) {
	case *Dict:
		if t.Len() == 0 {
			buf.WriteString("<dict/>\n")
			return nil
		}
		buf.WriteString("<dict>\n")
		for _, k := range t.keys {
			buf.WriteString(indent + "\t<key>")
			writeEscaped(buf, k)
			buf.WriteString("</key>\n")
			if err := writeXML(buf, t.vals[k], depth+1); err != nil {
				return err
			}
		}
		buf.WriteString(indent + "</dict>\n")
	case []any:
		if len(t) == 0 {
			buf.WriteString("<array/>\n")
			return nil
		}
		buf.WriteString("<array>\n")
		for _, elem := range t {
			if err := writeXML(buf, elem, depth+1); err != nil {
				return err
			}
		}
		buf.WriteString(indent + "</array>\n")
	case string:
		buf.WriteString("<string>")
		writeEscaped(buf, t)
		buf.WriteString("</string>\n")
	case int64:
		fmt.Fprintf(buf, "<integer>%d</integer>\n", t)
	case uint64:
		fmt.Fprintf(buf, "<integer>%d</integer>\n", t)
	case float64:
		fmt.Fprintf(buf, "<real>%s</real>\n", formatReal(t))
	case bool:
		if t {
			buf.WriteString("<true/>\n")
		} else {
			buf.WriteString("<false/>\n")
		}
	case time.Time:
		fmt.Fprintf(buf, "<date>%s</date>\n", t.UTC().Format(xmlDateLayout))
	case []byte:
		fmt.Fprintf(buf, "<data>%s</data>\n", base64.StdEncoding.EncodeToString(t))
	default:
		return fmt.Errorf("%w: %T in XML property list", ErrUnsupported, v)
	}
	return nil
}

func formatReal(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+infinity"
	case math.IsInf(f, -1):
		return "-infinity"
	case math.IsNaN(f):
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func writeEscaped(buf *bytes.Buffer, s string) {
	// EscapeText only fails when the writer does.
	_ = xml.EscapeText(buf, []byte(s))
}

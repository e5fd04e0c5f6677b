package merge

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ColumnUniqueKey = "unique_key"
	ColumnRowHash   = "row_hash"
	ColumnProject   = "Project"
)

// RowHash is the md5 of the row's canonical JSON: sorted keys, ", " and ": "
// separators, non-ASCII escaped as \uXXXX, floats always with a fraction or
// exponent. Row hashes already stored in destination tables use this form.
func RowHash(values map[string]any) string {
	var b strings.Builder
	writeCanonical(&b, values)
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeASCIIString(b, val)
	case json.Number:
		b.WriteString(canonicalNumber(val))
	case float64:
		b.WriteString(formatFloat(val))
	case float32:
		b.WriteString(formatFloat(float64(val)))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			writeASCIIString(b, k)
			b.WriteString(": ")
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteString(", ")
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		writeCanonical(b, items)
	default:
		// Round-trip through encoding/json so structs and typed slices get
		// the same treatment as decoded API values.
		raw, err := json.Marshal(val)
		if err != nil {
			writeASCIIString(b, fmt.Sprint(val))
			return
		}
		var generic any
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			writeASCIIString(b, string(raw))
			return
		}
		writeCanonical(b, generic)
	}
}

// canonicalNumber renders integer literals digit for digit, whatever their
// size, and other numbers in shortest round-trip float form. Literals beyond
// the float range become Infinity.
func canonicalNumber(n json.Number) string {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if s == "-0" {
			return "0"
		}
		return s
	}
	f, err := n.Float64()
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return s
	}
	return formatFloat(f)
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(sci, "e")
	e, _ := strconv.Atoi(exp)
	if e >= -4 && e < 16 {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}
	// At least two exponent digits: 1e-05, 1e+16.
	sign := "+"
	if e < 0 {
		sign, e = "-", -e
	}
	return fmt.Sprintf("%se%s%02d", mant, sign, e)
}

func writeASCIIString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || (r >= 0x7f && r < utf8.RuneSelf):
				fmt.Fprintf(b, `\u%04x`, r)
			case r < utf8.RuneSelf:
				b.WriteRune(r)
			case r > 0xffff:
				r -= 0x10000
				fmt.Fprintf(b, `\u%04x\u%04x`, 0xd800+(r>>10), 0xdc00+(r&0x3ff))
			default:
				fmt.Fprintf(b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('"')
}

// normalizeColumnName lower-cases, drops "/", "(" and ")" and collapses
// whitespace.
func normalizeColumnName(name string) string {
	name = strings.ToLower(name)
	name = strings.NewReplacer("/", "", "(", "", ")", "").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

// columnMapper resolves source column names against the destination table.
type columnMapper struct {
	explicit    map[string]string
	destination map[string]struct{}
	// normalized destination name -> first destination column in sorted order
	normalized map[string]string
}

func newColumnMapper(explicit map[string]string, destination []string) *columnMapper {
	m := &columnMapper{
		explicit:    explicit,
		destination: make(map[string]struct{}, len(destination)),
		normalized:  make(map[string]string, len(destination)),
	}
	sorted := append([]string(nil), destination...)
	sort.Strings(sorted)
	for _, name := range sorted {
		m.destination[name] = struct{}{}
		key := normalizeColumnName(name)
		if _, taken := m.normalized[key]; !taken {
			m.normalized[key] = name
		}
	}
	return m
}

func (m *columnMapper) has(name string) bool {
	_, ok := m.destination[name]
	return ok
}

func (m *columnMapper) resolve(name string) string {
	if target, ok := m.explicit[name]; ok {
		return target
	}
	if m.has(name) {
		return name
	}
	if target, ok := m.normalized[normalizeColumnName(name)]; ok {
		return target
	}
	return name
}

func (m *columnMapper) apply(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for name, value := range values {
		out[m.resolve(name)] = value
	}
	return out
}

// keyOf returns the row's unique_key as a string; blank means absent.
func keyOf(values map[string]any) string {
	switch v := values[ColumnUniqueKey].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

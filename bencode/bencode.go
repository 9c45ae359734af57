// Package bencode decodes the bencoded announce/scrape responses the HTTP
// tracker worker receives (spec §4.7). It is deliberately narrow: it
// decodes into `any` (string, int64, []any, map[string]any) rather than
// offering a general struct-tag marshaller, because the only bencode
// consumer in this module's scope is the tracker response reader — full
// torrent metainfo decoding is out of scope (spec §1). No standalone
// bencode library appears anywhere in the retrieved example pack; every
// peer example that needs bencode (Kostaaa1-bittorrent's pkg/bencode,
// Dahrkael-torrent-tracker-tester's internal/bittorrent/bencode.go) hand
// rolls the same narrow decoder, so this package follows that precedent
// rather than reaching for an unverified external module.
package bencode

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	ErrInvalidSyntax        = errors.New("bencode: invalid syntax")
	ErrInvalidIntegerFormat = errors.New("bencode: invalid integer format")
	ErrInvalidStringFormat  = errors.New("bencode: invalid string format")
	ErrTrailingData         = errors.New("bencode: trailing data")
	ErrDictKeyNotString     = errors.New("bencode: dictionary key is not a string")
)

// Decode parses the single bencoded value in b and returns it as one of
// string, int64, []any, or map[string]any. It errors if b has any
// trailing bytes after the value.
func Decode(b []byte) (any, error) {
	d := decoder{b: b}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.b) {
		return nil, ErrTrailingData
	}
	return v, nil
}

type decoder struct {
	b   []byte
	pos int
}

func (d *decoder) value() (any, error) {
	if d.pos >= len(d.b) {
		return nil, ErrInvalidSyntax
	}
	switch c := d.b[d.pos]; {
	case c == 'i':
		return d.integer()
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dict()
	case c >= '0' && c <= '9':
		return d.string()
	default:
		return nil, ErrInvalidSyntax
	}
}

func (d *decoder) integer() (int64, error) {
	end := indexByte(d.b[d.pos:], 'e')
	if end < 0 {
		return 0, ErrInvalidIntegerFormat
	}
	s := string(d.b[d.pos+1 : d.pos+end])
	if s == "" || s == "-" || (len(s) > 1 && s[0] == '0') || s == "-0" ||
		(len(s) > 2 && s[0] == '-' && s[1] == '0') {
		return 0, ErrInvalidIntegerFormat
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrInvalidIntegerFormat
	}
	d.pos += end + 1
	return n, nil
}

func (d *decoder) string() (string, error) {
	colon := indexByte(d.b[d.pos:], ':')
	if colon < 0 {
		return "", ErrInvalidStringFormat
	}
	lenStr := string(d.b[d.pos : d.pos+colon])
	if lenStr == "" || (len(lenStr) > 1 && lenStr[0] == '0') {
		return "", ErrInvalidIntegerFormat
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 {
		return "", ErrInvalidStringFormat
	}
	start := d.pos + colon + 1
	if start+n > len(d.b) {
		return "", ErrInvalidStringFormat
	}
	d.pos = start + n
	return string(d.b[start : start+n]), nil
}

func (d *decoder) list() ([]any, error) {
	d.pos++ // 'l'
	var out []any
	for {
		if d.pos >= len(d.b) {
			return nil, ErrInvalidSyntax
		}
		if d.b[d.pos] == 'e' {
			d.pos++
			return out, nil
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

func (d *decoder) dict() (map[string]any, error) {
	d.pos++ // 'd'
	out := map[string]any{}
	for {
		if d.pos >= len(d.b) {
			return nil, ErrInvalidSyntax
		}
		if d.b[d.pos] == 'e' {
			d.pos++
			return out, nil
		}
		k, err := d.string()
		if err != nil {
			return nil, ErrDictKeyNotString
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Encode produces the canonical bencoding of v, which must be built from
// string, int64 (or int), []any, or map[string]any. Dictionary keys are
// sorted lexically, as BEP 3 requires.
func Encode(v any) ([]byte, error) {
	var out []byte
	switch t := v.(type) {
	case string:
		out = append(out, []byte(strconv.Itoa(len(t))+":"+t)...)
	case int:
		out = append(out, []byte("i"+strconv.Itoa(t)+"e")...)
	case int64:
		out = append(out, []byte("i"+strconv.FormatInt(t, 10)+"e")...)
	case []any:
		out = append(out, 'l')
		for _, e := range t {
			eb, err := Encode(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, 'e')
	case map[string]any:
		out = append(out, 'd')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			kb, _ := Encode(k)
			out = append(out, kb...)
			vb, err := Encode(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, 'e')
	default:
		return nil, fmt.Errorf("bencode: unsupported type %T", v)
	}
	return out, nil
}

package parser

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// encodingSampleSize caps how much of the payload the detector looks at.
const encodingSampleSize = 10 * 1024

// DecodeText decodes raw bytes into a string, trying utf-8-sig, utf-8,
// latin-1 and cp1252 in that order and using the first candidate that
// decodes cleanly. Returns the decoded text and the encoding name.
func DecodeText(data []byte) (string, string) {
	if bytes.HasPrefix(data, utf8BOM) {
		return string(bytes.TrimPrefix(data, utf8BOM)), "utf-8-sig"
	}

	sample := data
	if len(sample) > encodingSampleSize {
		sample = sample[:encodingSampleSize]
	}
	if utf8.Valid(sample) {
		return string(data), "utf-8"
	}

	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(data); err == nil {
		return string(out), "latin-1"
	}
	out, _ := charmap.Windows1252.NewDecoder().Bytes(data)
	return string(out), "cp1252"
}

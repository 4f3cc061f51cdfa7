// Package importer turns spreadsheet files (CSV and XLSX) into
// extraction envelopes: it detects encodings, discovers header rows,
// maps column-name variants onto canonical fields, and cleans the
// values operators actually type into these files.
package importer

import (
	"bytes"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// encodingPriority is the order exports from portfolio-company tooling
// actually show up in: UTF-8, then Excel-on-Windows, then older Excel
// and Mac exports.
var encodingPriority = []struct {
	name string
	enc  encoding.Encoding
}{
	{"windows-1252", charmap.Windows1252},
	{"iso-8859-1", charmap.ISO8859_1},
	{"macintosh", charmap.Macintosh},
}

// DecodeText converts raw file bytes to UTF-8, trying encodings in
// priority order. The returned name records which encoding was assumed
// so the ingestion log can carry it.
func DecodeText(raw []byte) (string, string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return string(raw), "utf-8", nil
	}

	for _, candidate := range encodingPriority {
		decoded, err := candidate.enc.NewDecoder().Bytes(raw)
		if err != nil || bytes.ContainsRune(decoded, utf8.RuneError) {
			continue
		}
		zap.L().Debug("import file decoded with fallback encoding",
			zap.String("encoding", candidate.name))
		return string(decoded), candidate.name, nil
	}
	return "", "", eris.New("importer: undecodable file content")
}

package importer

import (
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Canonical field names produced by column mapping.
const (
	FieldCompany       = "company"
	FieldDate          = "date"
	FieldAmount        = "amount"
	FieldKind          = "kind"
	FieldWireRef       = "wire_ref"
	FieldNotes         = "notes"
	FieldAsOfDate      = "as_of_date"
	FieldSecurityClass = "security_class"
	FieldOwnershipPct  = "fully_diluted_pct"
	FieldShares        = "shares"
	FieldPeriodStart   = "period_start"
	FieldPeriodEnd     = "period_end"
)

// headerMatchThreshold is how many recognized columns make a row the
// header row.
const headerMatchThreshold = 3

// headerScanLimit bounds the search: fund-admin exports put titles and
// disclaimers above the table, but never twenty rows of them.
const headerScanLimit = 20

// Mapping maps canonical fields to the header spellings seen in the
// wild. Operators extend it per-sender with a YAML overrides file.
type Mapping struct {
	Fields map[string][]string `yaml:"fields"`
}

// DefaultMapping covers the spellings that recur across fund
// administrators and portfolio-company finance teams.
func DefaultMapping() *Mapping {
	return &Mapping{Fields: map[string][]string{
		FieldCompany: {"company", "company name", "portfolio company", "name", "investment", "issuer"},
		FieldDate:    {"date", "transaction date", "txn date", "cash flow date", "payment date"},
		FieldAmount:  {"amount", "amount usd", "value", "cash flow", "gross amount"},
		FieldKind:    {"type", "transaction type", "kind", "category", "flow type"},
		FieldWireRef: {"wire ref", "wire reference", "reference", "ref", "wire #", "confirmation", "confirmation #"},
		FieldNotes:   {"notes", "memo", "description", "comments"},

		FieldAsOfDate:      {"as of", "as of date", "as-of date", "report date", "valuation date"},
		FieldSecurityClass: {"security class", "class", "security", "share class"},
		FieldOwnershipPct:  {"ownership %", "fully diluted %", "fd %", "ownership", "fd ownership", "ownership pct"},
		FieldShares:        {"shares", "share count", "# shares", "shares held"},

		FieldPeriodStart: {"period start", "period beginning"},
		FieldPeriodEnd:   {"period end", "period ending", "quarter end"},
	}}
}

// LoadMappingOverrides reads a YAML overrides file and merges its
// variants into the default mapping. Overrides add spellings; they
// never remove the defaults.
func LoadMappingOverrides(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: read mapping overrides %s", path)
	}
	var overrides Mapping
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, eris.Wrapf(err, "importer: parse mapping overrides %s", path)
	}

	m := DefaultMapping()
	for field, variants := range overrides.Fields {
		if _, known := m.Fields[field]; !known {
			return nil, eris.Errorf("importer: mapping overrides name unknown field %q", field)
		}
		m.Fields[field] = append(m.Fields[field], variants...)
	}
	return m, nil
}

var headerJunkRe = regexp.MustCompile(`[^a-z0-9%# ]+`)
var headerSpaceRe = regexp.MustCompile(`\s+`)

// normalizeHeader reduces a header cell to a comparable key.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, "_", " ")
	h = strings.ReplaceAll(h, "-", " ")
	h = headerJunkRe.ReplaceAllString(h, " ")
	h = headerSpaceRe.ReplaceAllString(h, " ")
	return strings.TrimSpace(h)
}

// match resolves one header cell to its canonical field.
func (m *Mapping) match(header string) (string, bool) {
	norm := normalizeHeader(header)
	if norm == "" {
		return "", false
	}
	for field, variants := range m.Fields {
		for _, v := range variants {
			if norm == normalizeHeader(v) {
				return field, true
			}
		}
	}
	return "", false
}

// DiscoverHeader finds the header row: the first row within the scan
// limit where at least headerMatchThreshold cells resolve to canonical
// fields. It returns the row index and the column index per field.
func (m *Mapping) DiscoverHeader(rows [][]string) (int, map[string]int, error) {
	limit := len(rows)
	if limit > headerScanLimit {
		limit = headerScanLimit
	}
	for i := 0; i < limit; i++ {
		cols := make(map[string]int)
		for j, cell := range rows[i] {
			field, ok := m.match(cell)
			if !ok {
				continue
			}
			if _, taken := cols[field]; !taken {
				cols[field] = j
			}
		}
		if len(cols) >= headerMatchThreshold {
			return i, cols, nil
		}
	}
	return 0, nil, eris.Errorf("importer: no header row found in first %d rows", limit)
}

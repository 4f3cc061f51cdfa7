// Package ingest is the path every envelope takes into the canonical
// store: company resolution, confidence scoring, pre-write checks, the
// transactional apply, and the ingestion-log append. Source adapters
// (webhooks, the importer, manual corrections) produce envelopes; this
// package decides what happens to them.
package ingest

import (
	"strings"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

// Resolver binds envelopes to canonical company ids using a snapshot
// of known companies. It matches, in order: an already-set id, a hint
// that normalizes to a known name or AKA, and a sender domain matching
// a company website.
type Resolver struct {
	ids      map[string]struct{}
	byName   map[string]string
	byDomain map[string]string
}

// NewResolver indexes a company snapshot.
func NewResolver(companies []model.Company) *Resolver {
	r := &Resolver{
		ids:      make(map[string]struct{}, len(companies)),
		byName:   make(map[string]string),
		byDomain: make(map[string]string),
	}
	for _, c := range companies {
		r.index(c)
	}
	return r
}

func (r *Resolver) index(c model.Company) {
	r.ids[c.ID] = struct{}{}
	if key := model.NormalizeCompanyName(c.LegalName); key != "" {
		r.byName[key] = c.ID
	}
	if key := model.NormalizeCompanyName(c.AKA); key != "" {
		r.byName[key] = c.ID
	}
	if domain := model.WebsiteDomain(c.Website); domain != "" {
		r.byDomain[domain] = c.ID
	}
}

// Resolve sets env.CompanyID when the envelope can be bound to a known
// company and reports whether it succeeded. An id the envelope already
// carries is verified, not trusted.
func (r *Resolver) Resolve(env *model.Envelope) bool {
	if env.CompanyID != "" {
		if _, ok := r.ids[env.CompanyID]; ok {
			return true
		}
		env.CompanyID = ""
	}

	hint := strings.TrimSpace(env.CompanyHint)
	if hint == "" {
		return false
	}

	if _, ok := r.ids[model.Slugify(hint)]; ok {
		env.CompanyID = model.Slugify(hint)
		return true
	}
	if id, ok := r.byName[model.NormalizeCompanyName(hint)]; ok {
		env.CompanyID = id
		return true
	}
	if domain := hintDomain(hint); domain != "" {
		if id, ok := r.byDomain[domain]; ok {
			env.CompanyID = id
			return true
		}
	}
	return false
}

// Create mints a new company id from the envelope's hint, records it
// in the snapshot so later envelopes in the same run resolve to it,
// and binds the envelope. The store creates the company row on first
// write.
func (r *Resolver) Create(env *model.Envelope) (string, bool) {
	id := model.Slugify(strings.TrimSpace(env.CompanyHint))
	if id == "" {
		return "", false
	}
	env.CompanyID = id
	r.index(model.Company{ID: id, LegalName: env.CompanyHint})
	return id, true
}

// hintDomain extracts a domain from hints that look like an email
// address or a bare domain.
func hintDomain(hint string) string {
	if at := strings.LastIndex(hint, "@"); at >= 0 {
		hint = hint[at+1:]
	}
	hint = strings.ToLower(strings.TrimSpace(hint))
	if !strings.Contains(hint, ".") || strings.Contains(hint, " ") {
		return ""
	}
	return model.WebsiteDomain(hint)
}

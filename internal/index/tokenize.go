package index

import (
	"strings"

	"github.com/dozerdb/cache-engine/internal/query"
	"github.com/dozerdb/cache-engine/internal/schema"
)

// tokenize splits s into lowercase alphanumeric tokens for full-text
// indexing, deduplicating so a repeated word only contributes one
// (key, value) pair per record.
func tokenize(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// DefaultDefinitions applies the type-based default-index policy: numeric,
// boolean, decimal, timestamp, date, point and duration fields get a
// single-field sorted-inverted index; string fields get both a
// sorted-inverted and a full-text index; text, binary and JSON fields get
// no default (they must be opted in explicitly by the caller). Fields
// listed in skipDefault are omitted even if their type would otherwise
// qualify.
func DefaultDefinitions(sch *schema.Schema, skipDefault map[int]bool) []Definition {
	var defs []Definition
	for i, f := range sch.Fields {
		if skipDefault[i] {
			continue
		}
		switch f.Type {
		case schema.FieldTypeString:
			defs = append(defs, Definition{Name: f.Name + "_sorted", Kind: query.IndexSortedInverted, Fields: []int{i}})
			defs = append(defs, Definition{Name: f.Name + "_text", Kind: query.IndexFullText, Fields: []int{i}})
		case schema.FieldTypeText, schema.FieldTypeBinary, schema.FieldTypeJSON:
			// No default index for unbounded/opaque content.
		default:
			defs = append(defs, Definition{Name: f.Name, Kind: query.IndexSortedInverted, Fields: []int{i}})
		}
	}
	return defs
}

package parser

import (
	"strings"

	"vinoteca/internal/normalize"
)

// Synonym dictionary for header mapping. Keys are canonical field names,
// values the header spellings seen in the wild (Italian and English,
// accent-folded by the matcher).
var headerSynonyms = map[string][]string{
	normalize.FieldName:           {"nome", "nome vino", "vino", "name", "wine", "etichetta", "prodotto", "articolo", "denominazione"},
	normalize.FieldProducer:       {"produttore", "cantina", "casa", "casa vinicola", "azienda", "producer", "winery", "marchio", "brand"},
	normalize.FieldSupplier:       {"fornitore", "supplier", "distributore"},
	normalize.FieldVintage:        {"annata", "anno", "vintage", "year", "millesimo"},
	normalize.FieldGrapeVariety:   {"vitigno", "uvaggio", "uva", "grape", "grape variety", "varieta"},
	normalize.FieldRegion:         {"regione", "region", "zona", "territorio"},
	normalize.FieldCountry:        {"paese", "nazione", "country", "stato"},
	normalize.FieldType:           {"tipologia", "tipo", "tipo vino", "colore", "type", "category", "categoria"},
	normalize.FieldClassification: {"classificazione", "classification", "doc", "docg", "denominazione di origine"},
	normalize.FieldQuantity:       {"quantita", "qta", "qty", "quantity", "giacenza", "scorte", "stock", "bottiglie", "pezzi", "disponibilita"},
	normalize.FieldMinQuantity:    {"quantita minima", "scorta minima", "min", "minimo", "min quantity"},
	normalize.FieldCostPrice:      {"prezzo acquisto", "costo", "cost", "cost price", "prezzo di acquisto"},
	normalize.FieldSellingPrice:   {"prezzo", "prezzo vendita", "price", "selling price", "prezzo di vendita", "listino", "importo"},
	normalize.FieldAlcohol:        {"gradazione", "grado alcolico", "alcol", "alcool", "alcohol", "abv", "vol"},
	normalize.FieldDescription:    {"descrizione", "description", "note di degustazione"},
	normalize.FieldNotes:          {"note", "notes", "commenti", "osservazioni"},
}

// Match priorities, strongest first.
const (
	matchExact = iota
	matchPrefix
	matchContains
	matchContained
	matchNone
)

// HeaderMapping maps source column index to canonical field name.
type HeaderMapping map[int]string

// MappedFields returns the set of canonical fields present in the mapping.
func (m HeaderMapping) MappedFields() map[string]bool {
	fields := make(map[string]bool, len(m))
	for _, f := range m {
		fields[f] = true
	}
	return fields
}

// MapHeaders matches each header against the synonym dictionary. Per header
// the winning field is the one whose synonym matches with the strongest
// priority: exact equality, then "source starts with synonym", then "source
// contains synonym", then "synonym contains source"; ties break on synonym
// length. Each target field is assigned at most once, keeping the first
// (leftmost) occurrence.
func MapHeaders(headers []string) HeaderMapping {
	mapping := make(HeaderMapping)
	taken := make(map[string]bool)

	for idx, header := range headers {
		source := normalize.Fold(header)
		if source == "" {
			continue
		}
		bestField := ""
		bestPriority := matchNone
		bestLen := -1
		for field, synonyms := range headerSynonyms {
			if taken[field] {
				continue
			}
			for _, syn := range synonyms {
				syn = normalize.Fold(syn)
				p := matchPriority(source, syn)
				if p == matchNone {
					continue
				}
				better := p < bestPriority ||
					(p == bestPriority && len(syn) > bestLen) ||
					(p == bestPriority && len(syn) == bestLen && (bestField == "" || field < bestField))
				if better {
					bestPriority = p
					bestLen = len(syn)
					bestField = field
				}
			}
		}
		if bestField != "" {
			mapping[idx] = bestField
			taken[bestField] = true
		}
	}
	return mapping
}

func matchPriority(source, synonym string) int {
	switch {
	case source == synonym:
		return matchExact
	case strings.HasPrefix(source, synonym):
		return matchPrefix
	case strings.Contains(source, synonym):
		return matchContains
	case strings.Contains(synonym, source):
		return matchContained
	default:
		return matchNone
	}
}

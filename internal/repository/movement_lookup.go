package repository

import (
	"strings"

	"vinoteca/internal/normalize"
)

// Lookup ranking for movement commands: which wine columns to try, in
// order, for a free-text term like "barolo", "lambruschi" or "del Castello".

// Preposition particles and brand prefixes that hint the user typed a
// producer rather than a wine name.
var producerParticles = map[string]bool{
	"del": true, "di": true, "da": true,
	"dei": true, "della": true, "delle": true, "dal": true,
}

var producerPrefixes = []string{
	"ca ", "tenuta", "castello", "azienda", "cascina", "podere", "fattoria", "cantine",
}

// Grape varieties recognised for lookup ranking. Single words only; the
// match is containment over the folded term and its singular variants.
var grapeVocabulary = []string{
	"sangiovese", "nebbiolo", "barbera", "montepulciano", "primitivo", "aglianico",
	"sagrantino", "dolcetto", "corvina", "lambrusco", "vermentino", "verdicchio",
	"trebbiano", "falanghina", "fiano", "greco", "garganega", "glera", "moscato",
	"malvasia", "chardonnay", "merlot", "syrah", "cabernet", "pinot", "riesling",
	"sauvignon", "gewurztraminer", "nerello", "cannonau", "vernaccia",
}

// pluralVariants returns the term plus singular rewrites of its last word:
// -chi/-ghi revert to the -co/-go base, a trailing -i becomes -o or -e, a
// trailing -e becomes -a.
func pluralVariants(term string) []string {
	term = strings.TrimSpace(term)
	variants := []string{term}
	words := strings.Fields(term)
	if len(words) == 0 {
		return variants
	}
	last := words[len(words)-1]
	prefix := strings.Join(words[:len(words)-1], " ")
	add := func(w string) {
		v := w
		if prefix != "" {
			v = prefix + " " + w
		}
		for _, existing := range variants {
			if existing == v {
				return
			}
		}
		variants = append(variants, v)
	}

	switch {
	case strings.HasSuffix(last, "chi"):
		add(strings.TrimSuffix(last, "chi") + "co")
		add(strings.TrimSuffix(last, "chi") + "ca")
	case strings.HasSuffix(last, "ghi"):
		add(strings.TrimSuffix(last, "ghi") + "go")
		add(strings.TrimSuffix(last, "ghi") + "ga")
	case strings.HasSuffix(last, "i") && len(last) > 2:
		add(strings.TrimSuffix(last, "i") + "o")
		add(strings.TrimSuffix(last, "i") + "e")
	case strings.HasSuffix(last, "e") && len(last) > 2:
		add(strings.TrimSuffix(last, "e") + "a")
	}
	return variants
}

func isProducerCue(term string) bool {
	folded := normalize.Fold(term)
	for _, word := range strings.Fields(folded) {
		if producerParticles[word] {
			return true
		}
	}
	for _, prefix := range producerPrefixes {
		if strings.HasPrefix(folded, prefix) {
			return true
		}
	}
	// "ca'" folds to a bare "ca" word.
	return strings.HasPrefix(folded, "ca ") || folded == "ca"
}

func isGrapeTerm(term string) bool {
	for _, variant := range pluralVariants(term) {
		folded := normalize.Fold(variant)
		for _, grape := range grapeVocabulary {
			if strings.Contains(folded, grape) {
				return true
			}
		}
	}
	return false
}

// rankColumns orders the wine columns to probe for the term: producer cues
// put producer first, grape terms put grape_variety first, anything else
// starts from name.
func rankColumns(term string) []string {
	switch {
	case isProducerCue(term):
		return []string{"producer", "name", "grape_variety"}
	case isGrapeTerm(term):
		return []string{"grape_variety", "producer", "name"}
	default:
		return []string{"name", "producer", "grape_variety"}
	}
}

// likePatterns builds the ILIKE disjunction values: the raw term and its
// singular variants, each wrapped for substring match.
func likePatterns(term string) []string {
	variants := pluralVariants(term)
	patterns := make([]string, 0, len(variants))
	for _, v := range variants {
		if strings.TrimSpace(v) == "" {
			continue
		}
		patterns = append(patterns, "%"+strings.TrimSpace(v)+"%")
	}
	return patterns
}

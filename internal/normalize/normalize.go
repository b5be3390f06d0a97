// Package normalize turns loosely-typed rows coming out of the parsing and
// extraction stages into canonical wine records, and owns the deduplication
// key used everywhere duplicates must be merged.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"vinoteca/internal/models"
)

// Canonical field names. Header mapping and LLM extraction both emit rows
// keyed by these.
const (
	FieldName           = "name"
	FieldProducer       = "producer"
	FieldSupplier       = "supplier"
	FieldVintage        = "vintage"
	FieldGrapeVariety   = "grape_variety"
	FieldRegion         = "region"
	FieldCountry        = "country"
	FieldType           = "type"
	FieldClassification = "classification"
	FieldQuantity       = "quantity"
	FieldMinQuantity    = "min_quantity"
	FieldCostPrice      = "cost_price"
	FieldSellingPrice   = "selling_price"
	FieldAlcohol        = "alcohol_content"
	FieldDescription    = "description"
	FieldNotes          = "notes"
)

// CoreFields are the six fields the schema score is computed over.
var CoreFields = []string{
	FieldName, FieldProducer, FieldVintage, FieldQuantity, FieldSellingPrice, FieldType,
}

// RawRow is a free-form attribute map keyed by canonical field names.
type RawRow map[string]any

// Rejection reasons reported by ValidateBatch.
const (
	ReasonEmptyName       = "empty_name"
	ReasonPlaceholderName = "placeholder_name"
)

// RejectedRow pairs a discarded input row with the reason it was discarded.
type RejectedRow struct {
	Row    RawRow `json:"row"`
	Reason string `json:"reason"`
}

// BatchStats aggregates the outcome of a ValidateBatch call.
type BatchStats struct {
	RowsTotal    int            `json:"rows_total"`
	RowsValid    int            `json:"rows_valid"`
	RowsRejected int            `json:"rows_rejected"`
	Reasons      map[string]int `json:"reasons"`
}

// BatchResult is the full outcome of validating one batch of raw rows.
type BatchResult struct {
	Valid    []*models.Wine
	Rejected []RejectedRow
	Stats    BatchStats
}

var placeholders = map[string]bool{
	"nan": true, "none": true, "null": true, "n/a": true,
}

var (
	yearRe  = regexp.MustCompile(`(19|20)\d{2}`)
	intRe   = regexp.MustCompile(`\d+`)
	priceRe = regexp.MustCompile(`[-\d.,]+`)
)

// Row converts one raw row into a canonical wine record. The second return
// value is a rejection reason; it is empty when the row is valid.
func Row(raw RawRow, sourceStage string) (*models.Wine, string) {
	name := strings.TrimSpace(str(raw[FieldName]))
	if name == "" {
		return nil, ReasonEmptyName
	}
	if placeholders[strings.ToLower(name)] {
		return nil, ReasonPlaceholderName
	}

	w := &models.Wine{
		Name:           name,
		Producer:       cleanText(raw[FieldProducer]),
		Supplier:       cleanText(raw[FieldSupplier]),
		Vintage:        Vintage(raw[FieldVintage]),
		GrapeVariety:   cleanText(raw[FieldGrapeVariety]),
		Region:         cleanText(raw[FieldRegion]),
		Country:        cleanText(raw[FieldCountry]),
		Classification: cleanText(raw[FieldClassification]),
		Quantity:       Quantity(raw[FieldQuantity]),
		MinQuantity:    Quantity(raw[FieldMinQuantity]),
		CostPrice:      Money(raw[FieldCostPrice]),
		SellingPrice:   Money(raw[FieldSellingPrice]),
		AlcoholContent: Alcohol(raw[FieldAlcohol]),
		Description:    cleanText(raw[FieldDescription]),
		Notes:          cleanText(raw[FieldNotes]),
		SourceStage:    sourceStage,
	}
	w.Type = WineType(str(raw[FieldType]), name)
	return w, ""
}

// ValidateBatch applies Row to every element and reports valid rows,
// rejections with reasons, and aggregate counters.
func ValidateBatch(rows []RawRow, sourceStage string) BatchResult {
	res := BatchResult{
		Stats: BatchStats{RowsTotal: len(rows), Reasons: map[string]int{}},
	}
	for _, raw := range rows {
		w, reason := Row(raw, sourceStage)
		if reason != "" {
			res.Rejected = append(res.Rejected, RejectedRow{Row: raw, Reason: reason})
			res.Stats.RowsRejected++
			res.Stats.Reasons[reason]++
			continue
		}
		res.Valid = append(res.Valid, w)
		res.Stats.RowsValid++
	}
	return res
}

// Vintage extracts a 4-digit year in 1900..2099 from ints, floats or free
// text. Anything else is absent.
func Vintage(v any) *int {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return vintageFromInt(t)
	case int64:
		return vintageFromInt(int(t))
	case float64:
		return vintageFromInt(int(t))
	case string:
		if m := yearRe.FindString(t); m != "" {
			n, _ := strconv.Atoi(m)
			return vintageFromInt(n)
		}
	}
	return nil
}

func vintageFromInt(n int) *int {
	if n < 1900 || n > 2099 {
		return nil
	}
	return &n
}

// Quantity extracts the first non-negative integer. Absent or negative
// values collapse to 0.
func Quantity(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case int:
		if t < 0 {
			return 0
		}
		return t
	case int64:
		if t < 0 {
			return 0
		}
		return int(t)
	case float64:
		if t < 0 {
			return 0
		}
		return int(t)
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "-") {
			return 0
		}
		if m := intRe.FindString(s); m != "" {
			n, err := strconv.Atoi(m)
			if err == nil && n >= 0 {
				return n
			}
		}
	}
	return 0
}

// Money parses a monetary value. Currency symbols are stripped; a comma is
// the decimal separator when no dot is present, a thousands separator
// otherwise. Negative values are rejected to absent.
func Money(v any) *float64 {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return moneyFromFloat(float64(t))
	case int64:
		return moneyFromFloat(float64(t))
	case float64:
		return moneyFromFloat(t)
	case string:
		s := strings.TrimSpace(t)
		s = strings.NewReplacer("€", "", "$", "", "£", "", "EUR", "", "eur", "").Replace(s)
		m := priceRe.FindString(s)
		if m == "" {
			return nil
		}
		if strings.Contains(m, ",") {
			if strings.Contains(m, ".") {
				m = strings.ReplaceAll(m, ",", "")
			} else {
				m = strings.ReplaceAll(m, ",", ".")
			}
		}
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil
		}
		return moneyFromFloat(f)
	}
	return nil
}

func moneyFromFloat(f float64) *float64 {
	if f < 0 {
		return nil
	}
	return &f
}

// Alcohol parses an alcohol percentage, stripping "%" and "vol" suffixes.
// Values outside 0..100 are absent.
func Alcohol(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case float64:
		f = t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		s = strings.ReplaceAll(s, "%", "")
		s = strings.ReplaceAll(s, "vol", "")
		s = strings.ReplaceAll(s, ",", ".")
		s = strings.TrimSpace(s)
		var err error
		f, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
	default:
		return nil
	}
	if f < 0 || f > 100 {
		return nil
	}
	return &f
}

var typeKeywords = []struct {
	wineType string
	words    []string
}{
	{models.TypeSpumante, []string{"spumante", "prosecco", "franciacorta", "champagne", "brut", "metodo classico", "bollicine"}},
	{models.TypeRosato, []string{"rosato", "rosé", "rose ", "cerasuolo", "chiaretto"}},
	{models.TypeBianco, []string{"bianco", "chardonnay", "vermentino", "sauvignon", "pinot grigio", "verdicchio", "gewurztraminer", "falanghina", "greco", "riesling", "trebbiano"}},
	{models.TypeRosso, []string{"rosso", "chianti", "barolo", "barbaresco", "brunello", "amarone", "nero d'avola", "primitivo", "montepulciano", "nebbiolo", "sangiovese", "merlot", "cabernet", "syrah"}},
}

// WineType resolves the wine type: exact case-insensitive match first,
// then keyword heuristics on the wine name, then Altro.
func WineType(raw, name string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "rosso", "red":
		return models.TypeRosso
	case "bianco", "white":
		return models.TypeBianco
	case "rosato", "rosé", "rose":
		return models.TypeRosato
	case "spumante", "sparkling", "bollicine":
		return models.TypeSpumante
	case "altro", "other":
		return models.TypeAltro
	}
	lname := " " + strings.ToLower(name) + " "
	for _, tk := range typeKeywords {
		for _, word := range tk.words {
			if strings.Contains(lname, word) {
				return tk.wineType
			}
		}
	}
	return models.TypeAltro
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases, strips accents and punctuation and collapses whitespace.
func Fold(s string) string {
	folded, _, err := transform.String(foldTransformer, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	var b strings.Builder
	lastSpace := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// DedupKey is the normalised (name, producer, vintage?) triple. Rows with
// the same key are duplicates of each other.
func DedupKey(w *models.Wine) string {
	key := Fold(w.Name) + "|" + Fold(w.Producer)
	if w.Vintage != nil {
		key += "|" + strconv.Itoa(*w.Vintage)
	}
	return key
}

var stageRank = map[string]int{
	models.StageClassic:  0,
	models.StageTargeted: 1,
	models.StageLLM:      2,
	models.StageOCR:      3,
}

// Merge collapses duplicate rows. Quantities are summed; every other
// attribute takes the first non-absent value ordered by source stage
// (stage1 > stage2 > stage3). Returns the merged rows in first-seen order
// and the number of rows removed.
func Merge(wines []*models.Wine) ([]*models.Wine, int) {
	byKey := make(map[string]*models.Wine, len(wines))
	var order []string
	for _, w := range wines {
		key := DedupKey(w)
		kept, ok := byKey[key]
		if !ok {
			cp := *w
			byKey[key] = &cp
			order = append(order, key)
			continue
		}
		mergeInto(kept, w)
	}
	out := make([]*models.Wine, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out, len(wines) - len(out)
}

func mergeInto(dst, src *models.Wine) {
	dst.Quantity += src.Quantity

	// When the incoming row originates from an earlier (more trusted) stage,
	// its attributes replace the kept ones; otherwise it only fills gaps.
	srcWins := stageRank[src.SourceStage] < stageRank[dst.SourceStage]

	pickStr(&dst.Producer, src.Producer, srcWins)
	pickStr(&dst.Supplier, src.Supplier, srcWins)
	pickStr(&dst.GrapeVariety, src.GrapeVariety, srcWins)
	pickStr(&dst.Region, src.Region, srcWins)
	pickStr(&dst.Country, src.Country, srcWins)
	pickStr(&dst.Classification, src.Classification, srcWins)
	pickStr(&dst.Description, src.Description, srcWins)
	pickStr(&dst.Notes, src.Notes, srcWins)
	pickInt(&dst.Vintage, src.Vintage, srcWins)
	pickFloat(&dst.CostPrice, src.CostPrice, srcWins)
	pickFloat(&dst.SellingPrice, src.SellingPrice, srcWins)
	pickFloat(&dst.AlcoholContent, src.AlcoholContent, srcWins)
	if src.MinQuantity > dst.MinQuantity {
		dst.MinQuantity = src.MinQuantity
	}
	if dst.Type == models.TypeAltro && src.Type != "" {
		dst.Type = src.Type
	}
	if srcWins {
		dst.SourceStage = src.SourceStage
	}
}

func pickStr(dst *string, src string, srcWins bool) {
	if src == "" {
		return
	}
	if *dst == "" || srcWins {
		*dst = src
	}
}

func pickInt(dst **int, src *int, srcWins bool) {
	if src == nil {
		return
	}
	if *dst == nil || srcWins {
		v := *src
		*dst = &v
	}
}

func pickFloat(dst **float64, src *float64, srcWins bool) {
	if src == nil {
		return
	}
	if *dst == nil || srcWins {
		v := *src
		*dst = &v
	}
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func cleanText(v any) string {
	s := strings.TrimSpace(str(v))
	if placeholders[strings.ToLower(s)] {
		return ""
	}
	return s
}

package parser

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vinoteca/internal/normalize"
)

func TestDecodeText(t *testing.T) {
	cases := []struct {
		name     string
		data     []byte
		encoding string
		want     string
	}{
		{"utf8", []byte("Nome,Quantità"), "utf-8", "Nome,Quantità"},
		{"utf8 bom", append([]byte{0xEF, 0xBB, 0xBF}, []byte("Nome")...), "utf-8-sig", "Nome"},
		{"latin1", []byte{'Q', 't', 0xE0}, "latin-1", "Qtà"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, enc := DecodeText(c.data)
			assert.Equal(t, c.encoding, enc)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestSniffDelimiter(t *testing.T) {
	cases := []struct {
		text string
		want rune
	}{
		{"a,b,c\n1,2,3\n4,5,6", ','},
		{"a;b;c\n1;2;3", ';'},
		{"a\tb\tc\n1\t2\t3", '\t'},
		{"a|b|c\n1|2|3", '|'},
		// Commas inside one field must not beat a consistent semicolon.
		{"nome;prezzo\nBarolo, riserva;30\nChianti;12", ';'},
	}
	for _, c := range cases {
		if got := SniffDelimiter(c.text); got != c.want {
			t.Errorf("SniffDelimiter(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestMapHeadersExactAndFuzzy(t *testing.T) {
	headers := []string{"Nome", "Produttore", "Annata", "Quantità", "Prezzo", "Tipologia"}
	m := MapHeaders(headers)
	fields := m.MappedFields()
	for _, f := range normalize.CoreFields {
		assert.True(t, fields[f], "core field %s should be mapped", f)
	}
	assert.InDelta(t, 1.0, SchemaScore(m), 1e-9)
}

func TestMapHeadersPriorities(t *testing.T) {
	// "Prezzo Acquisto" must win cost_price exactly even though "prezzo"
	// is a selling_price synonym prefix.
	m := MapHeaders([]string{"Prezzo Acquisto", "Prezzo Vendita"})
	assert.Equal(t, normalize.FieldCostPrice, m[0])
	assert.Equal(t, normalize.FieldSellingPrice, m[1])
}

func TestMapHeadersAssignsTargetOnce(t *testing.T) {
	m := MapHeaders([]string{"Nome", "Nome Vino"})
	assert.Equal(t, normalize.FieldName, m[0])
	_, second := m[1]
	assert.False(t, second, "duplicate header must keep the first occurrence only")
}

func TestSchemaScoreMonotonicity(t *testing.T) {
	base := []string{"Nome", "Quantità"}
	richer := append(append([]string{}, base...), "Annata")
	assert.GreaterOrEqual(t, SchemaScore(MapHeaders(richer)), SchemaScore(MapHeaders(base)))
}

func TestParseCleanCSV(t *testing.T) {
	csvData := "Nome,Produttore,Annata,Quantità,Prezzo,Tipologia\n" +
		"Chianti Classico,Barone Ricasoli,2020,12,18.50,Rosso\n"

	p := New(0.7, 0.6)
	res, err := p.Parse([]byte(csvData), "csv")
	require.NoError(t, err)

	assert.Equal(t, DecisionSave, res.Decision)
	assert.InDelta(t, 1.0, res.SchemaScore, 1e-9)
	assert.InDelta(t, 1.0, res.ValidRows, 1e-9)
	require.Len(t, res.Batch.Valid, 1)

	w := res.Batch.Valid[0]
	assert.Equal(t, "Chianti Classico", w.Name)
	assert.Equal(t, "Barone Ricasoli", w.Producer)
	require.NotNil(t, w.Vintage)
	assert.Equal(t, 2020, *w.Vintage)
	assert.Equal(t, 12, w.Quantity)
	require.NotNil(t, w.SellingPrice)
	assert.InDelta(t, 18.50, *w.SellingPrice, 1e-9)
	assert.Equal(t, "Rosso", w.Type)
}

func TestParseSemicolonLatin1(t *testing.T) {
	// "Quantità" encoded as latin-1.
	header := []byte("Nome;Produttore;Quantit\xe0\n")
	row := []byte("Barolo;Conterno;6\n")
	p := New(0.7, 0.6)
	res, err := p.Parse(append(header, row...), "csv")
	require.NoError(t, err)
	assert.Equal(t, "latin-1", res.Encoding)
	assert.Equal(t, ';', int32(res.Delimiter))
	require.Len(t, res.Batch.Valid, 1)
	assert.Equal(t, 6, res.Batch.Valid[0].Quantity)
}

func TestParseEmptyEscalates(t *testing.T) {
	p := New(0.7, 0.6)
	res, err := p.Parse(nil, "csv")
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalate, res.Decision)
	assert.Zero(t, res.SchemaScore)
	assert.Empty(t, res.Batch.Valid)
}

func TestParseAmbiguousHeadersEscalates(t *testing.T) {
	csvData := "Col1,Col2,Col3\nChianti,Ricasoli,2020\n"
	p := New(0.7, 0.6)
	res, err := p.Parse([]byte(csvData), "csv")
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalate, res.Decision)
}

func TestRoundTrip(t *testing.T) {
	csvData := "Nome,Produttore,Annata,Quantità,Prezzo,Tipologia\n" +
		"Chianti Classico,Barone Ricasoli,2020,12,18.50,Rosso\n" +
		"Vermentino,Antinori,2022,6,11.00,Bianco\n"

	p := New(0.7, 0.6)
	first, err := p.Parse([]byte(csvData), "csv")
	require.NoError(t, err)

	// Serialise validated rows back to CSV and re-parse.
	var sb strings.Builder
	sb.WriteString("Nome,Produttore,Annata,Quantità,Prezzo,Tipologia\n")
	for _, w := range first.Batch.Valid {
		sb.WriteString(w.Name + "," + w.Producer + ",")
		if w.Vintage != nil {
			sb.WriteString(itoa(*w.Vintage))
		}
		sb.WriteString("," + itoa(w.Quantity) + ",")
		if w.SellingPrice != nil {
			sb.WriteString(ftoa(*w.SellingPrice))
		}
		sb.WriteString("," + w.Type + "\n")
	}

	second, err := p.Parse([]byte(sb.String()), "csv")
	require.NoError(t, err)
	require.Equal(t, len(first.Batch.Valid), len(second.Batch.Valid))

	keys := make(map[string]bool)
	for _, w := range first.Batch.Valid {
		keys[normalize.DedupKey(w)] = true
	}
	for _, w := range second.Batch.Valid {
		assert.True(t, keys[normalize.DedupKey(w)], "row %q lost in round trip", w.Name)
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }

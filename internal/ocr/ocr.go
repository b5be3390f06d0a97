// Package ocr turns image and PDF payloads into raw text for the extraction
// stage. Images go straight to tesseract; PDFs are rasterised page by page
// first.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/otiai10/gosseract/v2"
	"go.uber.org/zap"
)

// imageReader turns one rasterised image into text. Split out so tests can
// run without a tesseract installation.
type imageReader interface {
	Read(img []byte) (string, error)
}

type tesseractReader struct {
	languages []string
}

func (t *tesseractReader) Read(img []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(t.languages...); err != nil {
		return "", err
	}
	if err := client.SetImageFromBytes(img); err != nil {
		return "", err
	}
	return client.Text()
}

// Engine recognises text in images and PDFs.
type Engine struct {
	reader imageReader
	log    *zap.Logger
}

// New builds an engine. languages is a tesseract language spec such as
// "ita+eng".
func New(languages string, log *zap.Logger) *Engine {
	langs := strings.Split(languages, "+")
	for i := range langs {
		langs[i] = strings.TrimSpace(langs[i])
	}
	return &Engine{reader: &tesseractReader{languages: langs}, log: log}
}

// Recognize implements the pipeline OCR hook: it returns the recognised
// text, the number of pages processed and the elapsed wall time.
func (e *Engine) Recognize(ctx context.Context, data []byte, ext string) (string, int, float64, error) {
	start := time.Now()

	var (
		text  string
		pages int
		err   error
	)
	if strings.EqualFold(ext, "pdf") {
		text, pages, err = e.recognizePDF(ctx, data)
	} else {
		text, err = e.reader.Read(data)
		pages = 1
	}
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return "", pages, elapsed, err
	}
	if strings.TrimSpace(text) == "" {
		return "", pages, elapsed, fmt.Errorf("no text recognised")
	}
	return text, pages, elapsed, nil
}

func (e *Engine) recognizePDF(ctx context.Context, data []byte) (string, int, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	total := doc.NumPage()
	var parts []string
	failed := 0
	for n := 0; n < total; n++ {
		if err := ctx.Err(); err != nil {
			return "", n, err
		}
		img, err := doc.Image(n)
		if err != nil {
			failed++
			e.log.Warn("pdf page rasterisation failed", zap.Int("page", n), zap.Error(err))
			continue
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			failed++
			continue
		}
		pageText, err := e.reader.Read(buf.Bytes())
		if err != nil {
			failed++
			e.log.Warn("pdf page ocr failed", zap.Int("page", n), zap.Error(err))
			continue
		}
		parts = append(parts, pageText)
	}
	if total > 0 && failed == total {
		return "", total, fmt.Errorf("all %d pages failed", total)
	}
	return strings.Join(parts, "\n\n"), total, nil
}

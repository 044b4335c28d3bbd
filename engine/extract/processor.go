// Package extract turns a PDF into text: native text from the page content
// streams, plus optional OCR of rasterized pages.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/pkg/fn"
)

// OCRSeparator precedes the OCR section of the combined text.
const OCRSeparator = "\n\n--- OCR EXTRACTED TEXT ---\n"

// Extraction is the result of processing one document.
type Extraction struct {
	NativeText     string
	OCRText        string
	CombinedText   string
	PageImageCount int
	PageCount      int
}

// Processor extracts native text and, unless skipped, OCR text.
type Processor struct {
	Pages       PageExtractor
	Raster      Rasterizer
	OCR         Recognizer
	Preprocess  bool
	PageTimeout time.Duration
	// Workers bounds concurrent page recognition. Zero means one.
	Workers int
	Logger  *slog.Logger
}

// Options configures NewProcessor.
type Options struct {
	TesseractCmd string
	PdftoppmCmd  string
	Lang         string
	DPI          int
	PageTimeout  time.Duration
	Workers      int
}

// NewProcessor wires pdfcpu, pdftoppm and tesseract. When either binary is
// missing the processor still works and every document is native-text only.
func NewProcessor(opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		Pages:       PDFCPUPages{Logger: logger},
		Preprocess:  true,
		PageTimeout: opts.PageTimeout,
		Workers:     opts.Workers,
		Logger:      logger,
	}
	if opts.PdftoppmCmd == "" {
		opts.PdftoppmCmd = "pdftoppm"
	}
	if opts.TesseractCmd == "" {
		opts.TesseractCmd = "tesseract"
	}
	if err := Available(opts.PdftoppmCmd, opts.TesseractCmd); err != nil {
		logger.Warn("ocr unavailable, native text only", "err", err)
		return p
	}
	p.Raster = Pdftoppm{Cmd: opts.PdftoppmCmd, DPI: opts.DPI}
	p.OCR = Tesseract{Cmd: opts.TesseractCmd, Lang: opts.Lang}
	return p
}

// Process extracts the text of the PDF at path.
func (p *Processor) Process(ctx context.Context, path string, skipOCR bool) (*Extraction, error) {
	logger := p.logger()

	pages, err := p.Pages.ExtractPages(ctx, path)
	if err != nil {
		return nil, domain.Upstream(domain.StageExtract, err)
	}
	ex := &Extraction{
		NativeText: formatNative(pages),
		PageCount:  len(pages),
	}

	if !skipOCR && p.Raster != nil && p.OCR != nil {
		ex.OCRText, ex.PageImageCount = p.ocr(ctx, path, len(pages))
	}

	ex.CombinedText = ex.NativeText
	if ex.OCRText != "" {
		ex.CombinedText += OCRSeparator + ex.OCRText
	}
	logger.Info("document extracted",
		"file", filepath.Base(path),
		"pages", ex.PageCount,
		"images", ex.PageImageCount,
		"native_len", len(ex.NativeText),
		"ocr_len", len(ex.OCRText),
	)
	return ex, nil
}

// ocr never fails the document: rasterization failure disables OCR for it
// and a failing page is skipped.
func (p *Processor) ocr(ctx context.Context, path string, pageCount int) (string, int) {
	logger := p.logger()

	dir, err := os.MkdirTemp("", "docrag-ocr-*")
	if err != nil {
		logger.Warn("ocr unavailable", "err", err)
		return "", 0
	}
	defer os.RemoveAll(dir)

	rctx, cancel := context.WithTimeout(ctx, p.pageTimeout()*time.Duration(max(pageCount, 1)))
	images, err := p.Raster.Rasterize(rctx, path, dir)
	cancel()
	if err != nil {
		logger.Warn("ocr unavailable, continuing with native text", "file", filepath.Base(path), "err", err)
		return "", 0
	}

	results := fn.ParMap(ctx, images, max(p.Workers, 1), func(ctx context.Context, _ int, img string) fn.Result[string] {
		return fn.FromPair(p.recognize(ctx, img))
	})

	var parts []string
	for i, r := range results {
		text, err := r.Unwrap()
		if err != nil {
			logger.Warn("ocr page failed", "file", filepath.Base(path), "page", i+1, "err", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, fmt.Sprintf("\n--- OCR Page %d ---\n%s", i+1, text))
		}
	}
	return strings.Join(parts, "\n"), len(images)
}

func (p *Processor) recognize(ctx context.Context, img string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.pageTimeout())
	defer cancel()

	if p.Preprocess {
		clean, err := preprocessFile(img)
		if err != nil {
			p.logger().Warn("preprocess failed, using raw page", "image", filepath.Base(img), "err", err)
		} else {
			img = clean
		}
	}
	return p.OCR.Recognize(ctx, img)
}

func (p *Processor) pageTimeout() time.Duration {
	if p.PageTimeout > 0 {
		return p.PageTimeout
	}
	return 2 * time.Minute
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

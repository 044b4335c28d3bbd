package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func init() {
	// Keep pdfcpu from writing a config dir under the user's home.
	api.DisableConfigDir()
}

// PageExtractor returns the native text of every page, in page order. A page
// whose text cannot be read yields "". An error means the document itself
// could not be opened.
type PageExtractor interface {
	ExtractPages(ctx context.Context, path string) ([]string, error)
}

// PDFCPUPages reads page content streams with pdfcpu.
type PDFCPUPages struct {
	Logger *slog.Logger
}

var pageFileRe = regexp.MustCompile(`(?i)page_(\d+)`)

// ExtractPages implements PageExtractor. It first extracts every page in one
// pass and falls back to page-by-page extraction when that fails, so one bad
// page only blanks itself.
func (p PDFCPUPages) ExtractPages(ctx context.Context, path string) ([]string, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return nil, fmt.Errorf("extract: open %s: %w", filepath.Base(path), err)
	}
	n := pdfCtx.PageCount
	pages := make([]string, n)
	if n == 0 {
		return pages, nil
	}
	conf := model.NewDefaultConfiguration()

	dir, err := os.MkdirTemp("", "docrag-content-*")
	if err != nil {
		return nil, fmt.Errorf("extract: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := api.ExtractContentFile(path, dir, nil, conf); err == nil {
		byPage, err := readContentFiles(dir, 0)
		if err == nil {
			for i := range pages {
				pages[i] = contentText(byPage[i+1])
			}
			return pages, nil
		}
	}

	for i := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageDir := filepath.Join(dir, "p"+strconv.Itoa(i+1))
		if err := os.Mkdir(pageDir, 0o755); err != nil {
			return nil, fmt.Errorf("extract: temp dir: %w", err)
		}
		if err := api.ExtractContentFile(path, pageDir, []string{strconv.Itoa(i + 1)}, conf); err != nil {
			logger.Warn("page extraction failed", "file", filepath.Base(path), "page", i+1, "err", err)
			continue
		}
		byPage, err := readContentFiles(pageDir, i+1)
		if err != nil {
			logger.Warn("page content unreadable", "file", filepath.Base(path), "page", i+1, "err", err)
			continue
		}
		pages[i] = contentText(byPage[i+1])
	}
	return pages, nil
}

// readContentFiles loads the content files pdfcpu wrote into dir, keyed by
// page number. When page > 0 every file belongs to that page.
func readContentFiles(dir string, page int) (map[int][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[int][]byte)
	for _, name := range names {
		nr := page
		if nr == 0 {
			m := pageFileRe.FindAllStringSubmatch(name, -1)
			if len(m) == 0 {
				return nil, fmt.Errorf("unexpected content file %q", name)
			}
			nr, _ = strconv.Atoi(m[len(m)-1][1])
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out[nr] = append(append(out[nr], data...), '\n')
	}
	return out, nil
}

// formatNative renders page texts with their page markers.
func formatNative(pages []string) string {
	var b strings.Builder
	for i, text := range pages {
		fmt.Fprintf(&b, "\n--- Page %d ---\n%s\n", i+1, text)
	}
	return strings.TrimSpace(b.String())
}

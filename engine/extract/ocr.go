package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Rasterizer renders every page of a PDF to an image file in outDir and
// returns the image paths in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath, outDir string) ([]string, error)
}

// Recognizer returns the text found in one page image.
type Recognizer interface {
	Recognize(ctx context.Context, imagePath string) (string, error)
}

// Pdftoppm rasterizes with poppler's pdftoppm.
type Pdftoppm struct {
	Cmd string
	DPI int
}

var pngPageRe = regexp.MustCompile(`-(\d+)\.png$`)

// Rasterize implements Rasterizer.
func (p Pdftoppm) Rasterize(ctx context.Context, pdfPath, outDir string) ([]string, error) {
	cmd := p.Cmd
	if cmd == "" {
		cmd = "pdftoppm"
	}
	dpi := p.DPI
	if dpi <= 0 {
		dpi = 300
	}
	prefix := filepath.Join(outDir, "page")
	if err := run(ctx, cmd, "-r", strconv.Itoa(dpi), "-png", pdfPath, prefix); err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}

	files, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return pageNumber(files[i]) < pageNumber(files[j]) })
	return files, nil
}

// pageNumber parses the page suffix pdftoppm adds, which is zero padded to
// the width of the page count.
func pageNumber(path string) int {
	m := pngPageRe.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// Tesseract recognizes text with the tesseract CLI.
type Tesseract struct {
	Cmd  string
	Lang string
}

// Recognize implements Recognizer.
func (t Tesseract) Recognize(ctx context.Context, imagePath string) (string, error) {
	cmd := t.Cmd
	if cmd == "" {
		cmd = "tesseract"
	}
	args := []string{imagePath, "stdout"}
	if t.Lang != "" {
		args = append(args, "-l", t.Lang)
	}
	var out bytes.Buffer
	c := exec.CommandContext(ctx, cmd, args...)
	c.Stdout = &out
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}

// Available reports whether both binaries resolve on PATH.
func Available(cmds ...string) error {
	for _, c := range cmds {
		if _, err := exec.LookPath(c); err != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	c := exec.CommandContext(ctx, name, args...)
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(name), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

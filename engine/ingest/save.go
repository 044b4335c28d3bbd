package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/WessleyAI/docrag/engine/domain"
)

// SanitizeFilename reduces name to a safe base name: path components are
// dropped and anything outside [A-Za-z0-9._-] becomes '_'.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), "._")
}

// save streams the upload into the upload folder, refusing anything over the
// size limit. A name collision gets a short random suffix.
func (c *Coordinator) save(_ context.Context, j *job) error {
	name := SanitizeFilename(j.name)
	if name == "" {
		return domain.NewValidationError("file", j.name, domain.ErrMissingField)
	}
	if err := domain.ValidateUploadName(name, c.cfg.AllowedExtensions); err != nil {
		return err
	}
	j.name = name

	if err := os.MkdirAll(c.cfg.UploadFolder, 0o755); err != nil {
		return fmt.Errorf("create upload folder: %w", err)
	}
	f, path, err := createUnique(c.cfg.UploadFolder, name)
	if err != nil {
		return err
	}

	src := j.src
	if c.cfg.MaxFileSize > 0 {
		src = io.LimitReader(src, c.cfg.MaxFileSize+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		err = fmt.Errorf("write %s: %w", path, err)
	case c.cfg.MaxFileSize > 0 && n > c.cfg.MaxFileSize:
		err = fmt.Errorf("%w: limit is %d bytes", domain.ErrPayloadTooLarge, c.cfg.MaxFileSize)
	case n == 0:
		err = domain.NewValidationError("file", name, domain.ErrMissingField)
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	j.path, j.size = path, n
	return nil
}

func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for range 5 {
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
		candidate = stem + "_" + uuid.NewString()[:8] + ext
	}
	return nil, "", fmt.Errorf("create %s: too many name collisions", name)
}

// Package chunk splits document text into overlapping, bounded-length chunks.
//
// The splitter is recursive: it splits on the coarsest separator present in
// the text, greedily merges the pieces back up to Size runes, and re-splits
// any piece that is still too long with the next finer separator. The last
// separator "" splits into single runes, so every chunk fits within Size.
package chunk

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/docrag/engine/domain"
)

// DefaultSeparators go from paragraph to rune granularity.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Default sizes in runes.
const (
	DefaultSize    = 500
	DefaultOverlap = 50
)

// Splitter is a recursive character splitter. It holds no mutable state and
// is safe for concurrent use.
type Splitter struct {
	Size       int
	Overlap    int
	Separators []string
}

// New returns a Splitter with DefaultSeparators.
func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, domain.NewValidationError("chunk_size", fmt.Sprint(size), domain.ErrInvalidField)
	}
	if overlap < 0 || overlap >= size {
		return nil, domain.NewValidationError("chunk_overlap", fmt.Sprint(overlap), domain.ErrInvalidField)
	}
	return &Splitter{Size: size, Overlap: overlap, Separators: DefaultSeparators}, nil
}

// Chunk splits text and wraps each piece in a domain.Chunk. Every chunk
// shares the same metadata map.
func (s *Splitter) Chunk(text string, metadata map[string]any) []domain.Chunk {
	parts := s.Split(text)
	out := make([]domain.Chunk, len(parts))
	for i, p := range parts {
		out[i] = domain.Chunk{
			Index:     i,
			Text:      p,
			CharCount: utf8.RuneCountInString(p),
			Metadata:  metadata,
		}
	}
	return out
}

// Split returns the trimmed, non-empty chunks of text in reading order.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	seps := s.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return s.split(text, seps)
}

func (s *Splitter) split(text string, seps []string) []string {
	sep := seps[len(seps)-1]
	var finer []string
	for i, c := range seps {
		if c == "" {
			sep = c
			break
		}
		if strings.Contains(text, c) {
			sep = c
			finer = seps[i+1:]
			break
		}
	}

	var out, good []string
	for _, piece := range splitKeep(text, sep) {
		if runeLen(piece) < s.Size {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good)...)
			good = nil
		}
		if len(finer) == 0 {
			if t := strings.TrimSpace(piece); t != "" {
				out = append(out, t)
			}
			continue
		}
		out = append(out, s.split(piece, finer)...)
	}
	if len(good) > 0 {
		out = append(out, s.merge(good)...)
	}
	return out
}

// merge joins adjacent pieces up to Size runes. When a chunk is emitted its
// leading pieces are dropped until the carried tail is within Overlap.
func (s *Splitter) merge(pieces []string) []string {
	var (
		out   []string
		cur   []string
		total int
	)
	for _, p := range pieces {
		n := runeLen(p)
		if total+n > s.Size && len(cur) > 0 {
			if doc := strings.TrimSpace(strings.Join(cur, "")); doc != "" {
				out = append(out, doc)
			}
			for total > s.Overlap || (total+n > s.Size && total > 0) {
				total -= runeLen(cur[0])
				cur = cur[1:]
			}
		}
		cur = append(cur, p)
		total += n
	}
	if doc := strings.TrimSpace(strings.Join(cur, "")); doc != "" {
		out = append(out, doc)
	}
	return out
}

// splitKeep splits text before every occurrence of sep, so each separator
// starts the piece that follows it. An empty sep splits into runes. Empty
// pieces are dropped.
func splitKeep(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, len(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	var cuts []int
	for pos := 0; ; {
		i := strings.Index(text[pos:], sep)
		if i == -1 {
			break
		}
		cuts = append(cuts, pos+i)
		pos += i + len(sep)
	}
	out := make([]string, 0, len(cuts)+1)
	prev := 0
	for _, c := range append(cuts, len(text)) {
		if c > prev {
			out = append(out, text[prev:c])
		}
		prev = c
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

package store

import "strings"

// DefaultSeparators is the boundary preference for transcript splitting:
// paragraph breaks first, then lines, sentence ends, words, and finally hard
// character cuts.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "? ", "! ", " ", ""}

// Splitter cuts text into chunks of at most chunkSize characters along the
// strongest boundary available, carrying roughly overlap characters between
// consecutive chunks.
type Splitter struct {
	chunkSize  int
	overlap    int
	separators []string
}

// NewSplitter creates a Splitter. separators are tried in order; the empty
// string means a hard cut and should come last.
func NewSplitter(chunkSize, overlap int, separators []string) *Splitter {
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	return &Splitter{chunkSize: chunkSize, overlap: overlap, separators: separators}
}

// Split returns the chunks of text. Chunks keep their trailing separators so
// that concatenation order is preserved.
func (s *Splitter) Split(text string) []string {
	if text == "" {
		return nil
	}
	return s.splitText(text, s.separators)
}

// SplitForEmbedding is Split plus whitespace trimming and empty-chunk
// removal, the shape the embedding pipeline wants.
func (s *Splitter) SplitForEmbedding(text string) []string {
	var out []string
	for _, chunk := range s.Split(text) {
		if trimmed := strings.TrimSpace(chunk); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (s *Splitter) splitText(text string, separators []string) []string {
	if len(text) <= s.chunkSize {
		return []string{text}
	}

	// Pick the first separator that occurs in the text; "" means none did.
	separator := ""
	var remaining []string
	for i, sep := range separators {
		if sep == "" {
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	if separator == "" {
		return s.hardCut(text)
	}

	pieces := splitAfter(text, separator)

	var final []string
	var fitting []string
	for _, piece := range pieces {
		if len(piece) <= s.chunkSize {
			fitting = append(fitting, piece)
			continue
		}
		if len(fitting) > 0 {
			final = append(final, s.mergePieces(fitting)...)
			fitting = nil
		}
		final = append(final, s.splitText(piece, remaining)...)
	}
	if len(fitting) > 0 {
		final = append(final, s.mergePieces(fitting)...)
	}
	return final
}

// mergePieces packs already-fitting pieces into chunks of at most chunkSize,
// re-seeding each new chunk with trailing pieces of the previous one until
// the carried length drops to the overlap target.
func (s *Splitter) mergePieces(pieces []string) []string {
	var chunks []string
	var current []string
	total := 0
	for _, piece := range pieces {
		if total+len(piece) > s.chunkSize && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, ""))
			for len(current) > 0 && (total > s.overlap || total+len(piece) > s.chunkSize) {
				total -= len(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += len(piece)
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, ""))
	}
	return chunks
}

// hardCut slices text into chunkSize windows stepped by chunkSize-overlap.
func (s *Splitter) hardCut(text string) []string {
	step := s.chunkSize - s.overlap
	if step <= 0 {
		step = s.chunkSize
	}
	var chunks []string
	for start := 0; start < len(text); start += step {
		end := start + s.chunkSize
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks
}

// splitAfter splits text on sep keeping the separator attached to the
// preceding piece, dropping empty pieces.
func splitAfter(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

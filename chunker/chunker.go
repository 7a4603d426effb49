// Package chunker splits document text into overlapping, token-bounded pieces
// tagged with the page they came from.
package chunker

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"docqa/types"
)

// Piece is one chunk of a page. StartIndex and EndIndex are inclusive offsets
// into the page's token stream.
type Piece struct {
	Text       string
	Page       int
	TokenCount int
	StartIndex int
	EndIndex   int
}

type Chunker struct {
	tok Tokenizer
}

func New(tok Tokenizer) *Chunker {
	return &Chunker{tok: tok}
}

// two or more consecutive blank lines
var blankLinesRe = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)

// SplitPages applies the page-break heuristic. Form-feeds win when present;
// otherwise runs of two or more blank lines separate pages. The returned slice
// keeps whitespace-only segments so that indexes stay aligned with page numbers.
func SplitPages(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.Contains(text, "\f") {
		return strings.Split(text, "\f")
	}
	return blankLinesRe.Split(text, -1)
}

// Step returns how many tokens the window advances per chunk.
func Step(targetSize int, overlap float64) int {
	step := int(math.Round(float64(targetSize) * (1 - overlap)))
	if step < 1 {
		step = 1
	}
	return step
}

// Chunk slides a window of targetSize tokens over each page, advancing by
// targetSize*(1-overlap) tokens. The final, shorter window of a page is kept.
func (c *Chunker) Chunk(text string, targetSize int, overlap float64) ([]Piece, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", types.ErrMalformedInput, targetSize)
	}
	if overlap < 0 || overlap >= 1 || math.IsNaN(overlap) {
		return nil, fmt.Errorf("%w: overlap fraction must be in [0, 1), got %v", types.ErrMalformedInput, overlap)
	}
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: document text is not valid UTF-8", types.ErrMalformedInput)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	step := Step(targetSize, overlap)
	var pieces []Piece
	for i, page := range SplitPages(text) {
		if strings.TrimSpace(page) == "" {
			continue
		}
		tokens := c.alignRunes(c.tok.Tokenize(page))
		for start := 0; start < len(tokens); start += step {
			end := min(start+targetSize, len(tokens))
			piece := strings.TrimSpace(c.tok.Join(tokens[start:end]))
			// A trailing window of newline or indent tokens carries no text.
			if piece != "" {
				pieces = append(pieces, Piece{
					Text:       piece,
					Page:       i + 1,
					TokenCount: end - start,
					StartIndex: start,
					EndIndex:   end - 1,
				})
			}
			if end == len(tokens) {
				break
			}
		}
	}
	return pieces, nil
}

// alignRunes merges runs of tokens that each hold part of a multi-byte
// character, so no window boundary can split a rune.
func (c *Chunker) alignRunes(tokens []string) []string {
	out := tokens[:0:0]
	for i := 0; i < len(tokens); i++ {
		if utf8.ValidString(tokens[i]) {
			out = append(out, tokens[i])
			continue
		}
		j := i + 1
		merged := tokens[i]
		for ; j < len(tokens); j++ {
			merged = c.tok.Join(tokens[i : j+1])
			if utf8.ValidString(merged) {
				break
			}
		}
		out = append(out, merged)
		i = min(j, len(tokens)-1)
	}
	return out
}

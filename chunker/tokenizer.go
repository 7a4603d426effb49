package chunker

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Tokenizer turns text into a token sequence and back. Join must be a left
// inverse of Tokenize, up to whitespace.
type Tokenizer interface {
	Tokenize(text string) []string
	Join(tokens []string) string
}

const DefaultEncoding = "cl100k_base"

// Tiktoken is a BPE tokenizer. Every token is kept as its decoded string, so
// joining a contiguous run of tokens reproduces the source text exactly. BPE
// ids that hold only part of a UTF-8 character are decoded together with the
// following ids, making each token a whole number of characters.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

var offlineBpe sync.Once

// NewTiktoken loads an encoding from the ranks embedded in the binary; no
// network access is needed.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	offlineBpe.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Tokenize(text string) []string {
	ids := t.enc.Encode(text, nil, nil)
	tokens := make([]string, 0, len(ids))
	start := 0
	for i := range ids {
		piece := t.enc.Decode(ids[start : i+1])
		if utf8.ValidString(piece) || i == len(ids)-1 {
			tokens = append(tokens, piece)
			start = i + 1
		}
	}
	return tokens
}

func (t *Tiktoken) Join(tokens []string) string {
	return strings.Join(tokens, "")
}

// Words splits on whitespace. Joining restores the text with single spaces.
type Words struct{}

func (Words) Tokenize(text string) []string { return strings.Fields(text) }

func (Words) Join(tokens []string) string { return strings.Join(tokens, " ") }

// NewTokenizer returns the tokenizer named in configuration: "words" or a
// tiktoken encoding name.
func NewTokenizer(name string) (Tokenizer, error) {
	switch name {
	case "words":
		return Words{}, nil
	case "", "tiktoken":
		return NewTiktoken(DefaultEncoding)
	default:
		return NewTiktoken(name)
	}
}

// CountTokens returns the number of tokens in text.
func CountTokens(tok Tokenizer, text string) int {
	return len(tok.Tokenize(text))
}

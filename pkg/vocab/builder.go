package vocab

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/lab/treebatch/pkg/fopen"
)

// Builder accumulates token frequencies over one or more corpora.
type Builder struct {
	counts map[string]int
	order  map[string]int
}

func NewBuilder() *Builder {
	return &Builder{
		counts: make(map[string]int),
		order:  make(map[string]int),
	}
}

// AddLine counts the whitespace-separated tokens of one line.
func (b *Builder) AddLine(line string) {
	for _, tok := range strings.Fields(line) {
		if _, seen := b.order[tok]; !seen {
			b.order[tok] = len(b.order)
		}
		b.counts[tok]++
	}
}

// AddReader counts every line from r until end of stream.
func (b *Builder) AddReader(r fopen.LineReader) error {
	for {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", r.Name(), err)
		}
		b.AddLine(line)
	}
}

// AddFile counts every line of the corpus at path.
func (b *Builder) AddFile(path string) error {
	r, err := fopen.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	return b.AddReader(r)
}

// Build assigns ids by descending frequency starting at 2. Ties keep the
// order of first occurrence. EOS and UNK take the reserved ids.
func (b *Builder) Build() *Vocabulary {
	tokens := make([]string, 0, len(b.counts))
	for tok := range b.counts {
		if tok == EOSToken || tok == UNKToken {
			continue
		}
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		ci, cj := b.counts[tokens[i]], b.counts[tokens[j]]
		if ci != cj {
			return ci > cj
		}
		return b.order[tokens[i]] < b.order[tokens[j]]
	})

	ids := make(map[string]int, len(tokens)+2)
	ids[EOSToken] = EOS
	ids[UNKToken] = UNK
	for i, tok := range tokens {
		ids[tok] = i + 2
	}
	return &Vocabulary{ids: ids}
}

// Count returns how often token has been seen.
func (b *Builder) Count(token string) int {
	return b.counts[token]
}

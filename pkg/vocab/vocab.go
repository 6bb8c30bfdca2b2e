// Package vocab loads and builds token-to-id vocabularies.
//
// A vocabulary is immutable once loaded. Id 0 is end-of-sentence and id 1 is
// the unknown token; lookups of missing tokens and of ids beyond a
// configured cutoff both yield UNK.
package vocab

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	EOS = 0
	UNK = 1

	EOSToken = "eos"
	UNKToken = "UNK"
)

var ErrUnsupportedFormat = errors.New("unsupported vocabulary format")

// Vocabulary maps token strings to integer ids.
type Vocabulary struct {
	ids map[string]int
}

// New copies ids into a new Vocabulary.
func New(ids map[string]int) *Vocabulary {
	m := make(map[string]int, len(ids))
	for k, v := range ids {
		m[k] = v
	}
	return &Vocabulary{ids: m}
}

// Load reads a vocabulary from path. The format is chosen by suffix:
// .json and .yaml/.yml hold a token->id mapping, .txt holds one token per
// line with the line number as id.
func Load(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary %s: %w", path, err)
	}

	ids := make(map[string]int)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("failed to parse vocabulary %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("failed to parse vocabulary %s: %w", path, err)
		}
	case ".txt":
		sc := bufio.NewScanner(strings.NewReader(string(data)))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for i := 0; sc.Scan(); i++ {
			tok := strings.TrimSpace(sc.Text())
			if tok == "" {
				continue
			}
			if _, dup := ids[tok]; !dup {
				ids[tok] = i
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan vocabulary %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	for tok, id := range ids {
		if id < 0 {
			return nil, fmt.Errorf("vocabulary %s: negative id %d for %q", path, id, tok)
		}
	}
	return &Vocabulary{ids: ids}, nil
}

// ID returns the id of token, or UNK when absent.
func (v *Vocabulary) ID(token string) int {
	if id, ok := v.ids[token]; ok {
		return id
	}
	return UNK
}

// Contains reports whether token has an entry.
func (v *Vocabulary) Contains(token string) bool {
	_, ok := v.ids[token]
	return ok
}

// Map converts tokens to ids. A positive cutoff rewrites every id >= cutoff
// to UNK; cutoff <= 0 leaves ids unbounded.
func (v *Vocabulary) Map(tokens []string, cutoff int) []int {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		id := v.ID(tok)
		if cutoff > 0 && id >= cutoff {
			id = UNK
		}
		out[i] = id
	}
	return out
}

func (v *Vocabulary) Len() int {
	return len(v.ids)
}

// Save writes the vocabulary as JSON or YAML depending on the suffix of path.
func (v *Vocabulary) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(v.ids, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(v.ids)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return fmt.Errorf("failed to encode vocabulary: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write vocabulary: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to save vocabulary %s: %w", path, err)
	}
	return nil
}

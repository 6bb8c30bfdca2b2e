// Package bitext streams aligned source / source-tree / target corpora as
// length-bucketed batches of vocabulary ids.
//
// An Iterator reads batch_size*20 records ahead, sorts them by target
// length and hands them out from the long end first. When the corpora are
// exhausted Next returns ErrEndOfEpoch, rewinds (or reshuffles) the files,
// and the following call starts a new epoch.
package bitext

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/lab/treebatch/pkg/fopen"
	"github.com/lab/treebatch/pkg/shuffle"
	"github.com/lab/treebatch/pkg/vocab"
)

const DefaultBufferFactor = 20

var (
	// ErrEndOfEpoch is returned by Next when an epoch is complete. It is not
	// a failure: the next call to Next begins the following epoch.
	ErrEndOfEpoch = errors.New("end of epoch")

	ErrInvalidOptions = errors.New("invalid iterator options")

	// ErrTreeMisaligned is only returned with Options.StrictTree, when the
	// tree corpus ends before the source corpus.
	ErrTreeMisaligned = errors.New("tree corpus shorter than source corpus")
)

type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}

// Paths names the three aligned corpora and the two vocabularies.
type Paths struct {
	Source     string
	Target     string
	SourceTree string
	SourceDict string
	TargetDict string
}

func (p Paths) corpora() []string {
	return []string{p.Source, p.Target, p.SourceTree}
}

type Options struct {
	BatchSize int
	// MaxLen drops a record only when both sides exceed it.
	MaxLen int
	// Vocabulary cutoffs; ids at or above a positive cutoff become UNK.
	NWordsSource int
	NWordsTarget int

	ShuffleEachEpoch bool
	// Shuffler defaults to a clock-seeded shuffle.FileShuffler.
	Shuffler shuffle.Shuffler

	// BufferFactor sets the look-ahead size to BatchSize*BufferFactor.
	BufferFactor int

	// StrictTree fails Next with ErrTreeMisaligned instead of padding a
	// short tree corpus with empty annotations.
	StrictTree bool

	Logger Logger
	// Opener defaults to fopen.Open.
	Opener func(path string) (fopen.LineReader, error)
}

// Batch holds parallel per-record sequences. Tree tokens are not id-mapped.
type Batch struct {
	Source [][]int
	Target [][]int
	Tree   [][]string
}

func (b Batch) Len() int {
	return len(b.Source)
}

type Stats struct {
	Epochs     int64 `json:"epochs"`
	Batches    int64 `json:"batches"`
	Records    int64 `json:"records"`
	Dropped    int64 `json:"dropped"`
	ReadErrors int64 `json:"read_errors"`
}

// Iterator is not safe for concurrent use; callers sharing one across
// goroutines must serialise calls to Next.
type Iterator struct {
	paths Paths
	opts  Options
	k     int

	source fopen.LineReader
	target fopen.LineReader
	tree   fopen.LineReader

	sourceVocab *vocab.Vocabulary
	targetVocab *vocab.Vocabulary

	sourceBuf [][]string
	treeBuf   [][]string
	targetBuf [][]string

	endOfData bool
	// failed is returned by every Next until a Reset succeeds.
	failed error
	stats  Stats
	logger    Logger
}

// New opens the corpora (after shuffling them when ShuffleEachEpoch is set)
// and loads both vocabularies. On error nothing is left open.
func New(paths Paths, opts Options) (*Iterator, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidOptions, opts.BatchSize)
	}
	if opts.MaxLen <= 0 {
		return nil, fmt.Errorf("%w: maxlen must be positive, got %d", ErrInvalidOptions, opts.MaxLen)
	}
	if opts.BufferFactor <= 0 {
		opts.BufferFactor = DefaultBufferFactor
	}
	if opts.Opener == nil {
		opts.Opener = fopen.Open
	}
	if opts.ShuffleEachEpoch && opts.Shuffler == nil {
		sh := shuffle.NewFileShuffler(0)
		sh.PadShort = !opts.StrictTree
		opts.Shuffler = sh
	}

	it := &Iterator{
		paths:  paths,
		opts:   opts,
		k:      opts.BatchSize * opts.BufferFactor,
		logger: opts.Logger,
	}
	if it.logger == nil {
		it.logger = nopLogger{}
	}

	streams, err := it.openStreams()
	if err != nil {
		return nil, err
	}
	it.source, it.target, it.tree = streams[0], streams[1], streams[2]

	if it.sourceVocab, err = vocab.Load(paths.SourceDict); err != nil {
		it.Close()
		return nil, err
	}
	if it.targetVocab, err = vocab.Load(paths.TargetDict); err != nil {
		it.Close()
		return nil, err
	}

	it.logger.Debug("Iterator ready: batch=%d maxlen=%d buffer=%d shuffle=%t",
		opts.BatchSize, opts.MaxLen, it.k, opts.ShuffleEachEpoch)
	return it, nil
}

// openStreams shuffles the original corpora if configured and opens the
// resulting files as source, target, tree.
func (it *Iterator) openStreams() ([]fopen.LineReader, error) {
	names := it.paths.corpora()
	if it.opts.ShuffleEachEpoch {
		shuffled, err := it.opts.Shuffler.Shuffle(context.Background(), names)
		if err != nil {
			return nil, fmt.Errorf("failed to shuffle corpora: %w", err)
		}
		if len(shuffled) != len(names) {
			return nil, fmt.Errorf("shuffler returned %d paths for %d corpora", len(shuffled), len(names))
		}
		names = shuffled
	}

	streams := make([]fopen.LineReader, 0, len(names))
	for _, name := range names {
		r, err := it.opts.Opener(name)
		if err != nil {
			for _, s := range streams {
				s.Close()
			}
			return nil, err
		}
		streams = append(streams, r)
	}
	return streams, nil
}

// Reset moves all three streams back to the start of the data. With
// shuffling enabled the original corpora are reshuffled and reopened;
// otherwise the current files are rewound, falling back to reopening them.
// If the streams cannot all be moved back the iterator fails every Next
// until a later Reset succeeds.
func (it *Iterator) Reset() error {
	if err := it.reset(); err != nil {
		it.fail(fmt.Errorf("failed to reset corpora: %w", err))
		return err
	}
	it.failed = nil
	return nil
}

func (it *Iterator) reset() error {
	if it.opts.ShuffleEachEpoch {
		return it.reopen()
	}

	for _, r := range []fopen.LineReader{it.source, it.target, it.tree} {
		if err := r.Rewind(); err != nil {
			it.logger.Warn("Rewind failed, reopening corpora: %v", err)
			return it.reopen()
		}
	}
	return nil
}

// fail drops everything buffered so no record from a broken read position is
// served, and makes err sticky.
func (it *Iterator) fail(err error) {
	it.sourceBuf, it.treeBuf, it.targetBuf = nil, nil, nil
	it.endOfData = false
	it.failed = err
}

func (it *Iterator) reopen() error {
	streams, err := it.openStreams()
	if err != nil {
		return err
	}
	it.closeStreams()
	it.source, it.target, it.tree = streams[0], streams[1], streams[2]
	return nil
}

// Next returns the next batch, or ErrEndOfEpoch once the corpora are
// exhausted. Any other error comes from resetting the streams or, with
// StrictTree, from a misaligned tree corpus; such errors repeat until Reset.
func (it *Iterator) Next() (Batch, error) {
	if it.failed != nil {
		return Batch{}, it.failed
	}
	if it.endOfData {
		it.endOfData = false
		return Batch{}, it.endEpoch()
	}

	if len(it.sourceBuf) != len(it.targetBuf) {
		panic(fmt.Sprintf("bitext: buffer size mismatch: source=%d target=%d",
			len(it.sourceBuf), len(it.targetBuf)))
	}

	if len(it.sourceBuf) == 0 {
		if err := it.fill(); err != nil {
			return Batch{}, err
		}
	}

	if len(it.sourceBuf) == 0 || len(it.targetBuf) == 0 {
		it.endOfData = false
		return Batch{}, it.endEpoch()
	}

	batch := it.drain()

	if len(batch.Source) == 0 || len(batch.Target) == 0 {
		it.endOfData = false
		return Batch{}, it.endEpoch()
	}

	it.stats.Batches++
	it.stats.Records += int64(len(batch.Source))
	return batch, nil
}

func (it *Iterator) endEpoch() error {
	it.stats.Epochs++
	if err := it.Reset(); err != nil {
		return it.failed
	}
	it.logger.Debug("Epoch %d complete", it.stats.Epochs)
	return ErrEndOfEpoch
}

// fill reads up to k aligned records. The source and target streams bound
// the read; a tree stream that ends early yields empty annotations.
func (it *Iterator) fill() error {
	added := 0
	for i := 0; i < it.k; i++ {
		ss, err := it.source.ReadLine()
		treeLine, treeErr := it.tree.ReadLine()
		if err != nil {
			it.readFault(it.source, err)
			break
		}
		if treeErr != nil {
			if !errors.Is(treeErr, io.EOF) {
				it.readFault(it.tree, treeErr)
				break
			}
			if it.opts.StrictTree {
				it.fail(fmt.Errorf("%w: %s", ErrTreeMisaligned, it.tree.Name()))
				return it.failed
			}
		}
		tt, err := it.target.ReadLine()
		if err != nil {
			it.readFault(it.target, err)
			break
		}

		it.sourceBuf = append(it.sourceBuf, tokenize(ss))
		it.treeBuf = append(it.treeBuf, tokenize(treeLine))
		it.targetBuf = append(it.targetBuf, tokenize(tt))
		added++
	}

	if added > 0 {
		it.sortByTargetLength()
	}
	return nil
}

// readFault records a non-EOF read error. The epoch ends after whatever
// was already buffered has been served.
func (it *Iterator) readFault(r fopen.LineReader, err error) {
	if errors.Is(err, io.EOF) {
		return
	}
	it.stats.ReadErrors++
	it.endOfData = true
	it.logger.Warn("Read error on %s, ending epoch: %v", r.Name(), err)
}

func tokenize(line string) []string {
	return strings.Fields(line)
}

func (it *Iterator) sortByTargetLength() {
	idx := make([]int, len(it.targetBuf))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return len(it.targetBuf[idx[a]]) < len(it.targetBuf[idx[b]])
	})

	src := make([][]string, len(idx))
	tree := make([][]string, len(idx))
	tgt := make([][]string, len(idx))
	for i, j := range idx {
		src[i] = it.sourceBuf[j]
		tgt[i] = it.targetBuf[j]
		if j < len(it.treeBuf) {
			tree[i] = it.treeBuf[j]
		}
	}
	it.sourceBuf, it.treeBuf, it.targetBuf = src, tree, tgt
}

// drain pops records off the end of the buffers until the batch is full or
// the buffers are empty.
func (it *Iterator) drain() Batch {
	var batch Batch
	for len(it.sourceBuf) > 0 && len(it.treeBuf) > 0 {
		last := len(it.sourceBuf) - 1
		ss := it.sourceBuf[last]
		it.sourceBuf = it.sourceBuf[:last]
		treeLast := len(it.treeBuf) - 1
		tree := it.treeBuf[treeLast]
		it.treeBuf = it.treeBuf[:treeLast]
		tgtLast := len(it.targetBuf) - 1
		tt := it.targetBuf[tgtLast]
		it.targetBuf = it.targetBuf[:tgtLast]

		src := it.sourceVocab.Map(ss, it.opts.NWordsSource)
		tgt := it.targetVocab.Map(tt, it.opts.NWordsTarget)

		if len(src) > it.opts.MaxLen && len(tgt) > it.opts.MaxLen {
			it.stats.Dropped++
			continue
		}

		batch.Source = append(batch.Source, src)
		batch.Tree = append(batch.Tree, tree)
		batch.Target = append(batch.Target, tgt)

		if len(batch.Source) >= it.opts.BatchSize || len(batch.Target) >= it.opts.BatchSize {
			break
		}
	}
	return batch
}

// Epoch pulls batches until the end of the current epoch, calling fn for
// each. It stops early on a cancelled context or an error from fn.
func (it *Iterator) Epoch(ctx context.Context, fn func(Batch) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := it.Next()
		if errors.Is(err, ErrEndOfEpoch) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}

func (it *Iterator) Stats() Stats {
	return it.stats
}

// Buffered returns the number of records waiting in the look-ahead buffer.
func (it *Iterator) Buffered() int {
	return len(it.sourceBuf)
}

// Paths returns the original corpus and vocabulary paths.
func (it *Iterator) Paths() Paths {
	return it.paths
}

// Close releases the open corpus files.
func (it *Iterator) Close() error {
	return it.closeStreams()
}

func (it *Iterator) closeStreams() error {
	var first error
	for _, r := range []fopen.LineReader{it.source, it.target, it.tree} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

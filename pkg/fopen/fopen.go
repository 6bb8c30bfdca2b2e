// Package fopen opens corpus files for line-oriented reading, transparently
// decompressing by file suffix.
package fopen

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// LineReader is a sequential line source that can be rewound to its start.
type LineReader interface {
	// ReadLine returns the next line including its trailing newline.
	// At end of stream it returns ("", io.EOF).
	ReadLine() (string, error)
	Rewind() error
	Name() string
	Close() error
}

const (
	SuffixGzip = ".gz"
	SuffixZstd = ".zst"
)

type fileReader struct {
	name   string
	file   *os.File
	dec    io.ReadCloser
	reader *bufio.Reader
}

// Open opens path for reading. Files ending in .gz or .zst are decompressed.
func Open(path string) (LineReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	fr := &fileReader{name: path, file: f}
	if err := fr.attach(); err != nil {
		f.Close()
		return nil, err
	}
	return fr, nil
}

func (fr *fileReader) attach() error {
	var src io.Reader = fr.file
	switch {
	case strings.HasSuffix(fr.name, SuffixGzip):
		gz, err := gzip.NewReader(fr.file)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream %s: %w", fr.name, err)
		}
		fr.dec = gz
		src = gz
	case strings.HasSuffix(fr.name, SuffixZstd):
		zr, err := zstd.NewReader(fr.file)
		if err != nil {
			return fmt.Errorf("failed to open zstd stream %s: %w", fr.name, err)
		}
		fr.dec = zr.IOReadCloser()
		src = fr.dec
	}
	if fr.reader == nil {
		fr.reader = bufio.NewReaderSize(src, 64*1024)
	} else {
		fr.reader.Reset(src)
	}
	return nil
}

func (fr *fileReader) ReadLine() (string, error) {
	line, err := fr.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return line, nil
		}
		return "", err
	}
	return line, nil
}

func (fr *fileReader) Rewind() error {
	if _, err := fr.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", fr.name, err)
	}
	if fr.dec != nil {
		fr.dec.Close()
		fr.dec = nil
	}
	return fr.attach()
}

func (fr *fileReader) Name() string {
	return fr.name
}

func (fr *fileReader) Close() error {
	if fr.dec != nil {
		fr.dec.Close()
		fr.dec = nil
	}
	return fr.file.Close()
}

type fileWriter struct {
	file *os.File
	enc  io.WriteCloser
	buf  *bufio.Writer
}

// Create creates (or truncates) path for writing, compressing by suffix.
func Create(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	fw := &fileWriter{file: f}
	var dst io.Writer = f
	switch {
	case strings.HasSuffix(path, SuffixGzip):
		fw.enc = gzip.NewWriter(f)
		dst = fw.enc
	case strings.HasSuffix(path, SuffixZstd):
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open zstd writer %s: %w", path, err)
		}
		fw.enc = zw
		dst = zw
	}
	fw.buf = bufio.NewWriterSize(dst, 64*1024)
	return fw, nil
}

func (fw *fileWriter) Write(p []byte) (int, error) {
	return fw.buf.Write(p)
}

func (fw *fileWriter) Close() error {
	err := fw.buf.Flush()
	if fw.enc != nil {
		if cerr := fw.enc.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := fw.file.Close(); err == nil {
		err = cerr
	}
	return err
}

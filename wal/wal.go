package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// File header, written uncompressed:
// [magic:6]["BGWAL1"][flags:1 bit0=compressed][reserved:1]
var magic = []byte("BGWAL1")

const (
	headerSize     = 8
	flagCompressed = 0x01
)

// WAL is an append-only mutation log. Safe for concurrent use; appends are
// serialized internally.
type WAL struct {
	mu sync.Mutex

	path string
	opts Options

	file       *os.File
	bufWriter  *bufio.Writer
	writer     io.Writer
	compressor *zstd.Encoder

	seq    uint64
	closed bool
}

// Open opens or creates the log at path for appending.
func Open(path string, optFns ...func(*Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if st.Size() == 0 {
		header := make([]byte, headerSize)
		copy(header, magic)
		if opts.Compress {
			header[6] = flagCompressed
		}
		if _, err := f.Write(header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write wal header: %w", err)
		}
	} else {
		header := make([]byte, headerSize)
		if _, err := io.ReadFull(f, header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("read wal header: %w", err)
		}
		if string(header[:6]) != string(magic) {
			_ = f.Close()
			return nil, fmt.Errorf("not a wal file: %s", path)
		}
		opts.Compress = header[6]&flagCompressed != 0
	}

	// Recover the sequence high-water mark so appends after reopen never
	// reissue numbers already on disk.
	var lastSeq uint64
	if st.Size() > headerSize {
		if err := Replay(path, func(e *Entry) error {
			lastSeq = e.SeqNum
			return nil
		}); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("recover wal sequence: %w", err)
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}

	w := &WAL{path: path, opts: opts, file: f, seq: lastSeq}
	w.bufWriter = bufio.NewWriter(f)
	w.writer = w.bufWriter
	if opts.Compress {
		level := zstd.SpeedDefault
		if opts.CompressionLevel > 0 {
			level = zstd.EncoderLevelFromZstd(opts.CompressionLevel)
		}
		// Appending opens a fresh zstd frame; the decoder handles
		// concatenated frames transparently.
		enc, err := zstd.NewWriter(w.bufWriter, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		w.compressor = enc
		w.writer = enc
	}
	return w, nil
}

// Append writes one entry and assigns it a sequence number.
func (w *WAL) Append(e *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("wal: closed")
	}
	w.seq++
	e.SeqNum = w.seq
	if err := encodeEntry(w.writer, e); err != nil {
		return fmt.Errorf("append wal entry: %w", err)
	}
	if w.opts.Sync {
		return w.syncLocked()
	}
	return nil
}

// Sync flushes buffered records and forces them to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("wal: closed")
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *WAL) flushLocked() error {
	if w.compressor != nil {
		if err := w.compressor.Flush(); err != nil {
			return fmt.Errorf("flush compressor: %w", err)
		}
	}
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("flush buffer: %w", err)
	}
	return nil
}

// Close flushes and closes the log.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return err
		}
	}
	if err := w.bufWriter.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Replay reads the log at path and invokes fn for every entry in append
// order. A torn trailing record (crash mid-append) terminates replay
// without error.
func Replay(path string, fn func(*Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		return err
	}
	if string(header[:6]) != string(magic) {
		return fmt.Errorf("not a wal file: %s", path)
	}

	var r io.Reader = bufio.NewReader(f)
	if header[6]&flagCompressed != 0 {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		defer dec.Close()
		r = dec
	}

	for {
		var e Entry
		if err := decodeEntry(r, &e); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("replay wal: %w", err)
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
}

package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const walFilename = "wal.log"

// Operations recorded in the log.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
	OpReset  = "reset"
)

// WALRecord is a single mutation of one index.
type WALRecord struct {
	Operation string         `msgpack:"op"`
	Index     string         `msgpack:"index"`
	Key       string         `msgpack:"key,omitempty"`
	Fields    map[string]any `msgpack:"fields,omitempty"`
}

// WAL is an append-only, length-prefixed msgpack log.
type WAL struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenWAL ensures the log exists under basePath and returns it with its
// current size, which is the offset of the next record.
func OpenWAL(basePath string) (*WAL, int64, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, 0, fmt.Errorf("create wal directory: %w", err)
	}

	path := filepath.Join(basePath, walFilename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("open wal: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("stat wal: %w", err)
	}

	return &WAL{path: path, file: file}, info.Size(), nil
}

// Append writes records and fsyncs once. It returns the offset just past
// the last record.
func (w *WAL) Append(records ...WALRecord) (int64, error) {
	var buf bytes.Buffer
	for _, record := range records {
		data, err := msgpack.Marshal(record)
		if err != nil {
			return 0, fmt.Errorf("marshal wal record: %w", err)
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(data))); err != nil {
			return 0, fmt.Errorf("write wal length: %w", err)
		}
		buf.Write(data)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	offset, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek wal end: %w", err)
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return 0, fmt.Errorf("write wal body: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("fsync wal: %w", err)
	}
	return offset + int64(buf.Len()), nil
}

// Recover reads the records stored after fromOffset. It stops at the first
// incomplete record so a torn tail write is ignored.
func (w *WAL) Recover(fromOffset int64) ([]WALRecord, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(fromOffset, io.SeekStart); err != nil {
		return nil, fromOffset, fmt.Errorf("seek wal: %w", err)
	}

	reader := bufio.NewReader(w.file)
	var records []WALRecord
	currentOffset := fromOffset

	for {
		lengthBuf := make([]byte, 4)
		if _, err := io.ReadFull(reader, lengthBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return records, currentOffset, nil
			}
			return records, currentOffset, fmt.Errorf("read wal length: %w", err)
		}

		length := binary.LittleEndian.Uint32(lengthBuf)
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return records, currentOffset, nil
			}
			return records, currentOffset, fmt.Errorf("read wal payload: %w", err)
		}

		dec := msgpack.NewDecoder(bytes.NewReader(payload))
		dec.UseLooseInterfaceDecoding(true)
		var record WALRecord
		if err := dec.Decode(&record); err != nil {
			return records, currentOffset, fmt.Errorf("decode wal record: %w", err)
		}

		currentOffset += int64(4 + length)
		records = append(records, record)
	}
}

// Truncate discards every record.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek wal: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

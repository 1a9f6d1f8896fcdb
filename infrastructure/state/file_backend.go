package state

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// record is the on-disk encoding of one key/value pair in a segment log:
// u32 key_len | key | u32 val_len | val | i64 expires_at_ms | u32 crc32.
// expires_at_ms is 0 when the record carries no expiry; a val_len of 0
// marks a tombstone (the key was deleted). The crc covers every field
// before it, tombstones included.
type record struct {
	key         string
	value       []byte
	expiresAtMs int64
	tombstone   bool
}

func (r record) encode() []byte {
	buf := make([]byte, 0, 4+len(r.key)+4+len(r.value)+8+4)
	buf = appendUint32(buf, uint32(len(r.key)))
	buf = append(buf, r.key...)
	valLen := uint32(len(r.value))
	if r.tombstone {
		valLen = 0
	}
	buf = appendUint32(buf, valLen)
	if !r.tombstone {
		buf = append(buf, r.value...)
	}
	buf = appendInt64(buf, r.expiresAtMs)

	crc := crc32.ChecksumIEEE(buf)
	buf = appendUint32(buf, crc)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func decodeRecord(r io.Reader) (record, error) {
	var rec record

	keyLen, err := readUint32(r)
	if err != nil {
		return rec, err
	}
	keyBuf := make([]byte, keyLen)
	if _, err := io.ReadFull(r, keyBuf); err != nil {
		return rec, err
	}

	valLen, err := readUint32(r)
	if err != nil {
		return rec, err
	}
	var valBuf []byte
	if valLen > 0 {
		valBuf = make([]byte, valLen)
		if _, err := io.ReadFull(r, valBuf); err != nil {
			return rec, err
		}
	}

	expiresAtMs, err := readInt64(r)
	if err != nil {
		return rec, err
	}

	wantCrc, err := readUint32(r)
	if err != nil {
		return rec, err
	}

	body := record{key: string(keyBuf), value: valBuf, expiresAtMs: expiresAtMs, tombstone: valLen == 0}
	preCrc := appendUint32(nil, keyLen)
	preCrc = append(preCrc, keyBuf...)
	preCrc = appendUint32(preCrc, valLen)
	preCrc = append(preCrc, valBuf...)
	preCrc = appendInt64(preCrc, expiresAtMs)
	gotCrc := crc32.ChecksumIEEE(preCrc)
	if gotCrc != wantCrc {
		return rec, fmt.Errorf("state: segment record for key %q failed crc32 check", keyBuf)
	}
	return body, nil
}

func readUint32(r io.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(tmp[:])), nil
}

// FileBackend is an append-only PersistenceBackend: every Save/Delete
// appends a record (or tombstone) to a single segment file, and Load
// replays the segment from the start, keeping the last record written
// for a key. It is intended for the cache's optional durable L2 layer
// and the idempotency store's record log, not as a general-purpose
// database — there is no automatic compaction; the segment only shrinks
// when Compact is called.
type FileBackend struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	index   map[string]record
}

// NewFileBackend opens (creating if necessary) the segment file at path
// and replays it to build the in-memory index used to serve Load/List.
func NewFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("state: open segment %q: %w", path, err)
	}

	b := &FileBackend{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
		index:  make(map[string]record),
	}
	if err := b.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) replay() error {
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(b.file)
	for {
		rec, err := decodeRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("state: replay segment %q: %w", b.path, err)
		}
		if rec.tombstone {
			delete(b.index, rec.key)
		} else {
			b.index[rec.key] = rec
		}
	}
	if _, err := b.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func (b *FileBackend) appendLocked(rec record) error {
	if _, err := b.writer.Write(rec.encode()); err != nil {
		return err
	}
	return b.writer.Flush()
}

// Save implements PersistenceBackend.
func (b *FileBackend) Save(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := record{key: key, value: data}
	if err := b.appendLocked(rec); err != nil {
		return fmt.Errorf("state: append segment record: %w", err)
	}
	b.index[key] = rec
	return nil
}

// Load implements PersistenceBackend.
func (b *FileBackend) Load(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.value, nil
}

// Delete implements PersistenceBackend by appending a tombstone record.
func (b *FileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.index[key]; !ok {
		return nil
	}
	if err := b.appendLocked(record{key: key, tombstone: true}); err != nil {
		return fmt.Errorf("state: append tombstone: %w", err)
	}
	delete(b.index, key)
	return nil
}

// List implements PersistenceBackend.
func (b *FileBackend) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.index))
	for k := range b.index {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close implements PersistenceBackend.
func (b *FileBackend) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}

// Compact rewrites the segment file keeping only the current index,
// dropping superseded values and tombstones. It holds the backend's
// mutex for the whole rewrite, so concurrent Save/Delete calls wait
// until it finishes and then append to the compacted segment.
func (b *FileBackend) Compact(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tmpPath := b.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("state: create compaction file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for key, rec := range b.index {
		rec.key = key
		if _, err := w.Write(rec.encode()); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := b.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("state: replace segment with compacted file: %w", err)
	}

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	b.file = f
	b.writer = bufio.NewWriter(f)
	return nil
}

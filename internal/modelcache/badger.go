package modelcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/murmur/pkg/model"
)

// DefaultChunkSize is the size of one stored blob chunk.
const DefaultChunkSize = 1 << 20

const (
	entryPrefix = "entry/"
	blobPrefix  = "blob/"
)

// BadgerStore is a [Store] backed by BadgerDB. Entries are msgpack-encoded
// under "entry/<id>@<version>"; blobs are split into fixed-size chunks under
// "blob/<id>@<version>/<chunk index>".
type BadgerStore struct {
	db        *badger.DB
	chunkSize int
}

var _ Store = (*BadgerStore)(nil)

// BadgerOption configures [OpenBadger].
type BadgerOption func(*badgerConfig)

type badgerConfig struct {
	inMemory  bool
	chunkSize int
	logger    badger.Logger
}

// WithInMemory keeps all data in memory. The directory is ignored.
func WithInMemory(on bool) BadgerOption {
	return func(c *badgerConfig) { c.inMemory = on }
}

// WithChunkSize sets the blob chunk size. Values < 1 KiB are ignored.
func WithChunkSize(n int) BadgerOption {
	return func(c *badgerConfig) {
		if n >= 1<<10 {
			c.chunkSize = n
		}
	}
}

// WithBadgerLogger replaces the default slog-backed badger logger.
func WithBadgerLogger(l badger.Logger) BadgerOption {
	return func(c *badgerConfig) { c.logger = l }
}

// OpenBadger opens (or creates) a store in dir.
func OpenBadger(dir string, opts ...BadgerOption) (*BadgerStore, error) {
	cfg := badgerConfig{chunkSize: DefaultChunkSize, logger: slogLogger{}}
	for _, o := range opts {
		o(&cfg)
	}
	if !cfg.inMemory && dir == "" {
		return nil, errors.New("modelcache: cache directory is required unless in-memory")
	}
	dbOpts := badger.DefaultOptions(dir).WithLogger(cfg.logger)
	if cfg.inMemory {
		dbOpts = badger.DefaultOptions("").
			WithInMemory(true).
			WithLogger(cfg.logger).
			WithMemTableSize(8 << 20).
			WithBlockCacheSize(0)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("modelcache: open badger: %w", err)
	}
	return &BadgerStore{db: db, chunkSize: cfg.chunkSize}, nil
}

func entryKey(k model.Key) []byte { return []byte(entryPrefix + k.String()) }

func blobKeyPrefix(k model.Key) []byte { return []byte(blobPrefix + k.String() + "/") }

func chunkKey(k model.Key, idx uint32) []byte {
	return binary.BigEndian.AppendUint32(blobKeyPrefix(k), idx)
}

// Get implements [Store].
func (s *BadgerStore) Get(key model.Key) (Entry, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("modelcache: get %s: %w", key, err)
	}
	return e, nil
}

// Put implements [Store].
func (s *BadgerStore) Put(e Entry) error {
	val, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("modelcache: encode entry %s: %w", e.Key(), err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Key()), val)
	}); err != nil {
		return fmt.Errorf("modelcache: put %s: %w", e.Key(), err)
	}
	return nil
}

// Delete implements [Store].
func (s *BadgerStore) Delete(key model.Key) error {
	if err := s.DeleteBlob(key); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(key))
	})
	if err != nil {
		return fmt.Errorf("modelcache: delete %s: %w", key, err)
	}
	return nil
}

// List implements [Store].
func (s *BadgerStore) List() ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("modelcache: list: %w", err)
	}
	return out, nil
}

// DeleteBlob implements [Store].
func (s *BadgerStore) DeleteBlob(key model.Key) error {
	prefix := blobKeyPrefix(key)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err == nil && len(keys) > 0 {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, k := range keys {
			if err = wb.Delete(k); err != nil {
				break
			}
		}
		if err == nil {
			err = wb.Flush()
		}
	}
	if err != nil {
		return fmt.Errorf("modelcache: delete blob %s: %w", key, err)
	}
	return nil
}

// OpenBlob implements [Store]. Chunks are read lazily.
func (s *BadgerStore) OpenBlob(key model.Key) (io.ReadCloser, error) {
	r := &blobReader{db: s.db, key: key}
	if err := r.fill(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, key)
		}
		return nil, err
	}
	return r, nil
}

// NewBlobWriter implements [Store].
func (s *BadgerStore) NewBlobWriter(key model.Key) BlobWriter {
	return &blobWriter{
		store: s,
		key:   key,
		wb:    s.db.NewWriteBatch(),
		buf:   make([]byte, 0, s.chunkSize),
	}
}

// Ping reports an error once the database is closed.
func (s *BadgerStore) Ping() error {
	if s.db.IsClosed() {
		return errors.New("modelcache: badger store is closed")
	}
	return nil
}

// Close implements [Store].
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("modelcache: close badger: %w", err)
	}
	return nil
}

// ── blob I/O ────────────────────────────────────────────────────────────────

type blobWriter struct {
	store   *BadgerStore
	key     model.Key
	wb      *badger.WriteBatch
	buf     []byte
	next    uint32
	written int64
	done    bool
}

func (w *blobWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("modelcache: write to finished blob")
	}
	n := len(p)
	for len(p) > 0 {
		take := min(len(p), w.store.chunkSize-len(w.buf))
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		if len(w.buf) == w.store.chunkSize {
			if err := w.flushChunk(); err != nil {
				return n - len(p), err
			}
		}
	}
	w.written += int64(n)
	return n, nil
}

func (w *blobWriter) flushChunk() error {
	if len(w.buf) == 0 {
		return nil
	}
	chunk := make([]byte, len(w.buf))
	copy(chunk, w.buf)
	if err := w.wb.Set(chunkKey(w.key, w.next), chunk); err != nil {
		return fmt.Errorf("modelcache: stage chunk %d of %s: %w", w.next, w.key, err)
	}
	w.next++
	w.buf = w.buf[:0]
	return nil
}

func (w *blobWriter) Written() int64 { return w.written }

func (w *blobWriter) Commit() error {
	if w.done {
		return errors.New("modelcache: blob already finished")
	}
	w.done = true
	if err := w.flushChunk(); err != nil {
		w.wb.Cancel()
		return err
	}
	if err := w.wb.Flush(); err != nil {
		return fmt.Errorf("modelcache: commit blob %s: %w", w.key, err)
	}
	return nil
}

func (w *blobWriter) Abort() error {
	if !w.done {
		w.done = true
		w.wb.Cancel()
	}
	// The batch may already have committed some transactions.
	return w.store.DeleteBlob(w.key)
}

type blobReader struct {
	db  *badger.DB
	key model.Key
	idx uint32
	cur []byte
}

func (r *blobReader) fill() error {
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(r.key, r.idx))
		if err != nil {
			return err
		}
		r.cur, err = item.ValueCopy(r.cur[:0])
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return io.EOF
	}
	if err != nil {
		return fmt.Errorf("modelcache: read chunk %d of %s: %w", r.idx, r.key, err)
	}
	r.idx++
	return nil
}

func (r *blobReader) Read(p []byte) (int, error) {
	if len(r.cur) == 0 {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *blobReader) Close() error {
	r.cur = nil
	return nil
}

// slogLogger forwards badger warnings and errors to slog.
type slogLogger struct{}

func (slogLogger) Errorf(f string, v ...any)   { slog.Error("badger: " + fmt.Sprintf(f, v...)) }
func (slogLogger) Warningf(f string, v ...any) { slog.Warn("badger: " + fmt.Sprintf(f, v...)) }
func (slogLogger) Infof(string, ...any)        {}
func (slogLogger) Debugf(string, ...any)       {}

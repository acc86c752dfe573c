// Package journal keeps a local, expiring record of the values delivered to
// the host during each recording. Audio is never stored.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	keyPrefix = "rec/"
	// DefaultTTL is how long entries are kept when no TTL is given.
	DefaultTTL = 7 * 24 * time.Hour
)

// ErrNotFound is returned when a recording has no entries.
var ErrNotFound = errors.New("journal: recording not found")

// Entry is one value delivered to the host.
type Entry struct {
	Recording string          `json:"recording"`
	Seq       uint64          `json:"seq"`
	Time      time.Time       `json:"time"`
	Local     bool            `json:"local,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// Journal stores entries in badger under rec/<recording>/<seq>.
type Journal struct {
	db  *badger.DB
	ttl time.Duration

	mu   sync.Mutex
	seqs map[string]uint64
}

// Open opens (or creates) a journal at dir.
func Open(dir string, ttl time.Duration) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	slog.Info("journal opened", "path", dir)
	return newJournal(db, ttl), nil
}

// OpenInMemory opens a journal that lives only as long as the process.
func OpenInMemory(ttl time.Duration) (*Journal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory journal: %w", err)
	}
	return newJournal(db, ttl), nil
}

func newJournal(db *badger.DB, ttl time.Duration) *Journal {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Journal{db: db, ttl: ttl, seqs: make(map[string]uint64)}
}

// Append records value for recording and returns the stored entry.
func (j *Journal) Append(recording string, value json.RawMessage, local bool) (Entry, error) {
	if recording == "" {
		return Entry{}, errors.New("journal: empty recording id")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq, err := j.nextSeq(recording)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Recording: recording,
		Seq:       seq,
		Time:      time.Now().UTC(),
		Local:     local,
		Value:     value,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(entryKey(recording, seq), data).WithTTL(j.ttl))
	})
	if err != nil {
		return Entry{}, fmt.Errorf("write entry: %w", err)
	}
	j.seqs[recording] = seq
	return e, nil
}

// nextSeq continues numbering after the last stored entry so a reopened
// journal never overwrites earlier values.
func (j *Journal) nextSeq(recording string) (uint64, error) {
	if seq, ok := j.seqs[recording]; ok {
		return seq + 1, nil
	}
	entries, err := j.Recording(recording)
	if errors.Is(err, ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return entries[len(entries)-1].Seq + 1, nil
}

// Recording returns the entries of one recording in the order they were
// appended.
func (j *Journal) Recording(recording string) ([]Entry, error) {
	prefix := []byte(keyPrefix + recording + "/")
	var entries []Entry

	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("decode entry %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

// Recordings lists the ids of all recordings with unexpired entries.
func (j *Journal) Recordings() ([]string, error) {
	var ids []string
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		last := ""
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), keyPrefix)
			id, _, _ := strings.Cut(rest, "/")
			if id != last {
				ids = append(ids, id)
				last = id
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return ids, nil
}

// Delete removes every entry of a recording. It returns ErrNotFound if the
// recording has none.
func (j *Journal) Delete(recording string) error {
	prefix := []byte(keyPrefix + recording + "/")

	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.seqs, recording)

	err := j.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		if len(keys) == 0 {
			return ErrNotFound
		}

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// entryKey zero-pads seq so keys sort in append order.
func entryKey(recording string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s%s/%020d", keyPrefix, recording, seq)
}

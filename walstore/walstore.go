package walstore

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/wal"
)

// WAL persists a sequence of Records to a tidwall/wal log, guarded by a
// mutex so its methods can be called from more than one goroutine.
type WAL struct {
	mu        sync.Mutex
	log       *wal.Log
	nextIndex uint64
}

// Open opens or creates a WAL at path.
func Open(path string) (*WAL, error) {
	log, err := wal.Open(path, &wal.Options{NoSync: true, NoCopy: true})
	if err != nil {
		return nil, errors.WithMessage(err, "could not open WAL")
	}

	last, err := log.LastIndex()
	if err != nil {
		log.Close()
		return nil, errors.WithMessage(err, "could not read last index")
	}

	return &WAL{log: log, nextIndex: last + 1}, nil
}

// Append persists r as the next entry.
func (w *WAL) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.log.Write(w.nextIndex, r.Marshal()); err != nil {
		return errors.WithMessage(err, "could not append record")
	}
	w.nextIndex++
	return nil
}

// TruncateBefore discards every record stored at a WAL index below index,
// so the record at index becomes the oldest kept. An index of 0 is a
// no-op.
func (w *WAL) TruncateBefore(index uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if index == 0 {
		return nil
	}
	if err := w.log.TruncateFront(index); err != nil {
		return errors.WithMessage(err, "could not truncate WAL")
	}
	return nil
}

// ReadAll replays every persisted record in order, oldest first. Used on
// restart to reconstruct the last stable checkpoint and any accepted
// new-view certificate.
func (w *WAL) ReadAll() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	first, err := w.log.FirstIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read first index")
	}
	last, err := w.log.LastIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read last index")
	}
	if first == 0 || last == 0 {
		return nil, nil
	}

	var out []Record
	for i := first; i <= last; i++ {
		data, err := w.log.Read(i)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.WithMessagef(err, "could not read index %d", i)
		}
		r, err := UnmarshalRecord(data)
		if err != nil {
			return nil, errors.WithMessagef(err, "corrupt record at index %d", i)
		}
		out = append(out, r)
	}
	return out, nil
}

// Sync flushes pending writes to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.log.Sync()
}

// Close releases the underlying log.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.log.Close()
}

package reqtable

import (
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
	"github.com/DataDog/zstd"

	"github.com/dstack-labs/pbftcore/crypto"
)

// Archive is the durable, badger-backed tier of the request table. It
// exists so a replica that falls behind can be caught up on requests it
// already executed, and so a client's at-most-once reply survives a
// restart, without paying to keep every executed request in memory.
type Archive struct {
	db *badger.DB
}

func archiveKey(clientID int32, requestID uint64, digest crypto.Digest) []byte {
	return []byte(fmt.Sprintf("%d.%d.%s", clientID, requestID, digest))
}

// OpenArchive opens (or creates) a badger database at dirPath. An empty
// dirPath opens an in-memory database, used by tests and by replicas that
// don't need to survive a restart.
func OpenArchive(dirPath string) (*Archive, error) {
	var opts badger.Options
	if dirPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dirPath).WithSyncWrites(false).WithTruncate(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open request archive")
	}
	return &Archive{db: db}, nil
}

// Put persists a request's payload and its execution reply, zstd
// compressed, keyed by client ID, request ID, and content digest.
func (a *Archive) Put(digest crypto.Digest, clientID int32, requestID uint64, payload, reply []byte) error {
	blob := packBlob(payload, reply)
	compressed, err := zstd.Compress(nil, blob)
	if err != nil {
		return errors.WithMessage(err, "could not compress archived request")
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(archiveKey(clientID, requestID, digest), compressed)
	})
}

// Get retrieves an archived request by scanning for its digest. Since the
// key also encodes client ID and request ID, callers that know them
// should prefer a direct lookup; Get exists for the fetch path, which
// only carries the digest.
func (a *Archive) Get(digest crypto.Digest) (payload, reply []byte, found bool, err error) {
	err = a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		suffix := []byte("." + digest.String())
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if !hasSuffix(key, suffix) {
				continue
			}
			compressed, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			blob, err := zstd.Decompress(nil, compressed)
			if err != nil {
				return errors.WithMessage(err, "could not decompress archived request")
			}
			payload, reply, err = unpackBlob(blob)
			if err != nil {
				return err
			}
			found = true
			return nil
		}
		return nil
	})
	return payload, reply, found, err
}

func hasSuffix(b, suffix []byte) bool {
	if len(b) < len(suffix) {
		return false
	}
	return string(b[len(b)-len(suffix):]) == string(suffix)
}

func packBlob(payload, reply []byte) []byte {
	buf := make([]byte, 0, 8+len(payload)+len(reply))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(reply)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, reply...)
	return buf
}

func unpackBlob(buf []byte) (payload, reply []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, errors.New("archived blob truncated")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, errors.New("archived blob truncated")
	}
	payload = buf[:n]
	buf = buf[n:]
	if len(buf) < 4 {
		return nil, nil, errors.New("archived blob truncated")
	}
	n = binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, errors.New("archived blob truncated")
	}
	reply = buf[:n]
	return payload, reply, nil
}

// Sync flushes pending writes to disk.
func (a *Archive) Sync() error {
	return a.db.Sync()
}

// Close releases the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

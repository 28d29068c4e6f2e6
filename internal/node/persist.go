package node

import (
	"bytes"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Keys in the node database.
const (
	dbVersionKey = "version" // flushed when the entry encoding changes
	dbSelfKey    = "self"    // sidecar key holding the Self entry
	dbNodePrefix = "n:"      // prefix for node entries, "n:<NodeId>"
)

const dbVersion = 1

// storeBackend wraps the key/value engine under the spatial store. Every
// write is applied to the database before the in-memory map, so a storage
// failure leaves the in-memory state untouched.
type storeBackend struct {
	lvl *leveldb.DB
}

// openStoreBackend opens a leveldb database at path, or an in-memory one when
// path is empty. A version mismatch flushes all persisted entries.
func openStoreBackend(path string) (*storeBackend, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
		if _, corrupted := err.(*lverrors.ErrCorrupted); corrupted {
			db, err = leveldb.RecoverFile(path, nil)
		}
	}
	if err != nil {
		return nil, Wrap(StorageFailure, err, "open node database")
	}

	b := &storeBackend{lvl: db}
	if err := b.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *storeBackend) checkVersion() error {
	current := []byte{dbVersion}
	blob, err := b.lvl.Get([]byte(dbVersionKey), nil)
	switch err {
	case leveldb.ErrNotFound:
		if err := b.lvl.Put([]byte(dbVersionKey), current, nil); err != nil {
			return Wrap(StorageFailure, err, "write database version")
		}
	case nil:
		if !bytes.Equal(blob, current) {
			if err := b.flushEntries(); err != nil {
				return err
			}
			if err := b.lvl.Put([]byte(dbVersionKey), current, nil); err != nil {
				return Wrap(StorageFailure, err, "write database version")
			}
		}
	default:
		return Wrap(StorageFailure, err, "read database version")
	}
	return nil
}

func (b *storeBackend) flushEntries() error {
	it := b.lvl.NewIterator(util.BytesPrefix([]byte(dbNodePrefix)), nil)
	defer it.Release()
	for it.Next() {
		if err := b.lvl.Delete(it.Key(), nil); err != nil {
			return Wrap(StorageFailure, err, "flush stale entries")
		}
	}
	return nil
}

func nodeKey(id NodeID) []byte {
	return append([]byte(dbNodePrefix), id...)
}

// persistedEntry is the on-disk encoding of a NodeDbEntry.
type persistedEntry struct {
	Info          WireNodeInfo `cbor:"1,keyasint"`
	Relation      uint8        `cbor:"2,keyasint"`
	Role          uint8        `cbor:"3,keyasint"`
	ExpiresAtUnix int64        `cbor:"4,keyasint,omitempty"`
}

func encodeEntry(entry NodeDbEntry) ([]byte, error) {
	p := persistedEntry{
		Info:     toWireNodeInfo(entry.NodeInfo),
		Relation: uint8(entry.Relation),
		Role:     uint8(entry.Role),
	}
	if entry.expiring() {
		p.ExpiresAtUnix = entry.ExpiresAt.UnixMilli()
	}
	data, err := cbor.Marshal(p)
	if err != nil {
		return nil, Wrap(StorageFailure, err, "encode entry")
	}
	return data, nil
}

func decodeEntry(data []byte) (NodeDbEntry, error) {
	var p persistedEntry
	if err := cbor.Unmarshal(data, &p); err != nil {
		return NodeDbEntry{}, Wrap(StorageFailure, err, "decode entry")
	}
	info, err := fromWireNodeInfo(p.Info)
	if err != nil {
		return NodeDbEntry{}, Wrap(StorageFailure, err, "decode entry info")
	}
	entry := NodeDbEntry{
		NodeInfo: info,
		Relation: RelationType(p.Relation),
		Role:     RoleType(p.Role),
	}
	if p.ExpiresAtUnix != 0 {
		entry.ExpiresAt = time.UnixMilli(p.ExpiresAtUnix)
	}
	return entry, nil
}

func (b *storeBackend) putEntry(entry NodeDbEntry) error {
	blob, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := b.lvl.Put(nodeKey(entry.Profile.ID), blob, nil); err != nil {
		return Wrap(StorageFailure, err, "persist entry")
	}
	return nil
}

func (b *storeBackend) deleteEntry(id NodeID) error {
	if err := b.lvl.Delete(nodeKey(id), nil); err != nil {
		return Wrap(StorageFailure, err, "delete entry")
	}
	return nil
}

func (b *storeBackend) putSelf(entry NodeDbEntry) error {
	blob, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := b.lvl.Put([]byte(dbSelfKey), blob, nil); err != nil {
		return Wrap(StorageFailure, err, "persist self entry")
	}
	return nil
}

// loadEntries reads back every persisted non-Self entry. Undecodable blobs
// are dropped rather than failing the whole load.
func (b *storeBackend) loadEntries() ([]NodeDbEntry, error) {
	it := b.lvl.NewIterator(util.BytesPrefix([]byte(dbNodePrefix)), nil)
	defer it.Release()

	var out []NodeDbEntry
	for it.Next() {
		entry, err := decodeEntry(it.Value())
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	if err := it.Error(); err != nil {
		return nil, Wrap(StorageFailure, err, "scan entries")
	}
	return out, nil
}

func (b *storeBackend) close() error {
	if err := b.lvl.Close(); err != nil {
		return Wrap(StorageFailure, err, "close node database")
	}
	return nil
}

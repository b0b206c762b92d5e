// Package leveldb keeps a node's activity journal in a goleveldb database,
// one database directory per node identity.
package leveldb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

var ErrCorrupted = errors.New("journal: corrupted entry")

// store is the database behind one node's journal.
type store struct {
	path string
	node string
	mu   sync.Mutex
	db   *leveldb.DB
}

// seqKey is keyPrefixSeq followed by the big-endian sequence number, so key
// order is sequence order.
func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(keyPrefixSeq), seq)
}

func parseSeqKey(key []byte) (uint64, error) {
	if len(key) != len(keyPrefixSeq)+8 || string(key[:len(keyPrefixSeq)]) != keyPrefixSeq {
		return 0, fmt.Errorf("%w: bad sequence key %q", ErrCorrupted, key)
	}
	return binary.BigEndian.Uint64(key[len(keyPrefixSeq):]), nil
}

func openStore(path string, node string) (*store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal for %s: %w", node, err)
	}

	l := log.WithFields(log.Fields{"node": node, "journal": path})

	db, err := leveldb.OpenFile(path, &opt.Options{Compression: opt.NoCompression})
	if lerrors.IsCorrupted(err) {
		l.Warn("Activity journal is corrupted, recovering")
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("journal for %s: %w", node, err)
	}

	l.Info("Opened activity journal")
	return &store{path: path, node: node, db: db}, nil
}

// lastSeq returns the highest sequence number on disk, 0 for an empty journal.
func (s *store) lastSeq() (uint64, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefixSeq)), nil)
	defer iter.Release()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseSeqKey(iter.Key())
}

func (s *store) Path() string {
	return s.path
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

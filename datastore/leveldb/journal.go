package leveldb

import (
	"fmt"
	"time"

	"murmur/activity"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixSeq = "SEQ" // Activity events by local sequence number, see seqKey.
)

var _ activity.Sink = (*Journal)(nil)

// Entry is a journaled activity event and its sequence number.
type Entry struct {
	SequenceNumber uint64          `cbor:"1,keyasint"`
	Event          *activity.Event `cbor:"2,keyasint"`
}

// Journal is an append-only activity log. Sequence numbers start at 1.
type Journal struct {
	*store
	seq uint64
	now func() time.Time
}

// NewJournal opens, creating if needed, the journal of node at path and
// resumes numbering after the last stored entry.
func NewJournal(path string, node string) (*Journal, error) {
	s, err := openStore(path, node)
	if err != nil {
		return nil, err
	}

	seq, err := s.lastSeq()
	if err != nil {
		s.Close()
		return nil, err
	}

	return &Journal{store: s, seq: seq, now: time.Now}, nil
}

// Append stores the event under the next sequence number.
func (j *Journal) Append(ev *activity.Event) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	newSeq := j.seq + 1
	entry := &Entry{SequenceNumber: newSeq, Event: ev}

	raw, err := cbor.Marshal(entry)
	if err != nil {
		return nil, err
	}

	if err := j.db.Put(seqKey(newSeq), raw, nil); err != nil {
		return nil, err
	}

	j.seq = newSeq

	return entry, nil
}

// LogEvent journals an event; failures are logged and otherwise ignored.
func (j *Journal) LogEvent(eventType string, peer string, message string) {
	_, err := j.Append(&activity.Event{
		Timestamp: j.now(),
		Node:      j.node,
		Type:      eventType,
		Peer:      peer,
		Message:   message,
	})
	if err != nil {
		log.Errorf("Journal %s: failed to append %s event: %v", j.node, eventType, err)
	}
}

func (j *Journal) GetBySeq(seq uint64) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	raw, err := j.db.Get(seqKey(seq), nil)
	if err != nil {
		return nil, err
	}

	entry := &Entry{}
	if err := cbor.Unmarshal(raw, entry); err != nil {
		return nil, err
	}

	// Compare the Sequence Number just in case
	if entry.SequenceNumber != seq {
		log.Errorf("Journal %s: entry %d holds sequence number %d", j.node, seq, entry.SequenceNumber)
		return nil, ErrCorrupted
	}

	return entry, nil
}

// EnumerateBySeq returns the entries with start <= seq < end.
func (j *Journal) EnumerateBySeq(start uint64, end uint64) ([]*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if start > end {
		return nil, fmt.Errorf("EnumerateBySeq: invalid range: start (%d) > end (%d)", start, end)
	}

	var results []*Entry

	iter := j.db.NewIterator(&util.Range{Start: seqKey(start), Limit: seqKey(end)}, nil)
	defer iter.Release()

	for iter.Next() {
		entry := &Entry{}
		if err := cbor.Unmarshal(iter.Value(), entry); err != nil {
			return nil, err
		}
		results = append(results, entry)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return results, nil
}

func (j *Journal) GetSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

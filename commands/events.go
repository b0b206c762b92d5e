package commands

import (
	"context"

	"murmur/config"
	"murmur/datastore/leveldb"

	log "github.com/sirupsen/logrus"
)

// RunEvents dumps journal entries with from <= seq < to; to == 0 means up to
// the latest. The journal is locked while its node runs.
func RunEvents(ctx context.Context, cfg *config.Config, from uint64, to uint64) {
	if cfg.Activity.Journal == "" {
		log.Fatal("Activity journal is disabled (activity.journal is empty)")
	}

	j, err := leveldb.NewJournal(journalPath(cfg, cfg.Node.ID), cfg.Node.ID)
	if err != nil {
		log.Fatalf("Failed to open activity journal: %v", err)
	}
	defer j.Close()

	if to == 0 {
		to = j.GetSeq() + 1
	}

	entries, err := j.EnumerateBySeq(from, to)
	if err != nil {
		log.Fatalf("Failed to read journal: %v", err)
	}

	log.Infof("Journal %s: %d events in [%d, %d)", j.Path(), len(entries), from, to)
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		ev := e.Event
		log.Infof("#%d %s %s peer=%s %s", e.SequenceNumber, ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type, ev.Peer, ev.Message)
	}
}

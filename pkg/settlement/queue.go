package settlement

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/perpdex/perpdex/pkg/engine"
)

// Queue is the unbounded pending-settlement queue. Entries survive
// restarts via pebble; the in-memory slice mirrors the persisted order
// so draining stays cheap. Draining moves entries to an in-flight
// prefix rather than deleting them, so a crash mid-settlement replays
// them instead of losing them; they leave disk only on Ack or are
// re-queued by Requeue. A non-blocking kick channel wakes the batcher
// when the backlog crosses the size threshold.
type Queue struct {
	mu      sync.Mutex
	db      *pebble.DB
	entries []*engine.Match
	nextSeq uint64
	headSeq uint64

	// match ID -> seq under the in-flight prefix
	inflight map[string]uint64

	threshold     int
	highWatermark int
	kick          chan struct{}
	log           *zap.Logger
}

// OpenQueue loads pending entries from pebble. Empty path keeps the
// queue in memory.
func OpenQueue(path string, threshold, highWatermark int, log *zap.Logger) (*Queue, error) {
	q := &Queue{
		inflight:      make(map[string]uint64),
		threshold:     threshold,
		highWatermark: highWatermark,
		kick:          make(chan struct{}, 1),
		log:           log,
	}
	if path == "" {
		return q, nil
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open settlement queue: %w", err)
	}
	q.db = db

	if err := q.reload(); err != nil {
		db.Close()
		return nil, err
	}
	if len(q.entries) > 0 {
		log.Info("recovered pending settlements", zap.Int("count", len(q.entries)))
	}
	return q, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}

func queueKey(seq uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "q:")
	binary.BigEndian.PutUint64(key[2:], seq)
	return key
}

func inflightKey(seq uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "f:")
	binary.BigEndian.PutUint64(key[2:], seq)
	return key
}

func (q *Queue) readPrefix(prefix string) (out []*engine.Match, firstSeq, lastSeq uint64, err error) {
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix + ":"),
		UpperBound: []byte(prefix + ";"),
	})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("iterate settlement queue: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key()[2:])
		var m engine.Match
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, 0, 0, fmt.Errorf("decode queued match at seq %d: %w", seq, err)
		}
		if out == nil {
			firstSeq = seq
		}
		out = append(out, &m)
		lastSeq = seq
	}
	return out, firstSeq, lastSeq, nil
}

// reload recovers persisted state. In-flight entries (drained before a
// crash, outcome never observed) go back to the front of the pending
// queue; the contract's txHash idempotency rejects any that already
// settled, so replay is safe where loss is not.
func (q *Queue) reload() error {
	stranded, _, _, err := q.readPrefix("f")
	if err != nil {
		return err
	}
	pending, first, last, err := q.readPrefix("q")
	if err != nil {
		return err
	}

	if len(stranded) == 0 {
		q.entries = pending
		if len(pending) > 0 {
			q.headSeq = first
			q.nextSeq = last + 1
		}
		return nil
	}

	q.log.Warn("recovering in-flight settlements", zap.Int("count", len(stranded)))
	return q.rewriteLocked(append(stranded, pending...))
}

// Enqueue appends a match for settlement. Implements engine.MatchSink.
func (q *Queue) Enqueue(m *engine.Match) error {
	q.mu.Lock()

	if q.db != nil {
		data, err := json.Marshal(m)
		if err != nil {
			q.mu.Unlock()
			return fmt.Errorf("marshal match %s: %w", m.ID, err)
		}
		if err := q.db.Set(queueKey(q.nextSeq), data, pebble.Sync); err != nil {
			q.mu.Unlock()
			return fmt.Errorf("persist match %s: %w", m.ID, err)
		}
	}
	if len(q.entries) == 0 {
		q.headSeq = q.nextSeq
	}
	q.entries = append(q.entries, m)
	q.nextSeq++
	depth := len(q.entries)
	q.mu.Unlock()

	metricQueueDepth.Set(float64(depth))

	if q.highWatermark > 0 && depth > q.highWatermark {
		q.log.Warn("settlement queue above high watermark",
			zap.Int("depth", depth), zap.Int("watermark", q.highWatermark))
	}
	if q.threshold > 0 && depth >= q.threshold {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Drain removes up to max entries in FIFO order and parks them under
// the in-flight prefix. They stay on disk until Ack reports a
// settlement outcome or Requeue puts them back; a crash mid-flight
// replays them on restart instead of losing them.
func (q *Queue) Drain(max int) []*engine.Match {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	if n == 0 {
		return nil
	}
	if max > 0 && n > max {
		n = max
	}

	out := q.entries[:n]
	if q.db != nil {
		batch := q.db.NewBatch()
		for i, m := range out {
			seq := q.headSeq + uint64(i)
			data, err := json.Marshal(m)
			if err != nil {
				q.log.Error("failed to park drained entry", zap.String("matchId", m.ID), zap.Error(err))
				continue
			}
			batch.Delete(queueKey(seq), nil)
			batch.Set(inflightKey(seq), data, nil)
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			q.log.Error("failed to park drained entries", zap.Error(err))
		}
	}
	for i, m := range out {
		q.inflight[m.ID] = q.headSeq + uint64(i)
	}
	q.entries = q.entries[n:]
	q.headSeq += uint64(n)
	metricQueueDepth.Set(float64(len(q.entries)))
	return out
}

// Ack drops a drained entry once its settlement outcome (confirmed or
// permanently failed) has been observed. Unknown entries are a no-op,
// so acking twice is safe.
func (q *Queue) Ack(m *engine.Match) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, ok := q.inflight[m.ID]
	if !ok {
		return
	}
	delete(q.inflight, m.ID)
	if q.db != nil {
		if err := q.db.Delete(inflightKey(seq), pebble.Sync); err != nil {
			q.log.Error("failed to drop settled entry", zap.String("matchId", m.ID), zap.Error(err))
		}
	}
}

// Requeue puts drained entries back at the front after a retryable
// failure, preserving their original order ahead of newer arrivals.
// Their in-flight slots are released in the same commit, so the entry
// exists under exactly one prefix at any point.
func (q *Queue) Requeue(ms []*engine.Match) error {
	if len(ms) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	rewrite := q.headSeq < uint64(len(ms))
	newHead := uint64(0)
	if !rewrite {
		newHead = q.headSeq - uint64(len(ms))
	}
	all := append(append([]*engine.Match(nil), ms...), q.entries...)

	if q.db != nil {
		batch := q.db.NewBatch()
		for _, m := range ms {
			if seq, ok := q.inflight[m.ID]; ok {
				batch.Delete(inflightKey(seq), nil)
			}
		}
		var err error
		if rewrite {
			// seq space exhausted at the front; renumber everything
			err = q.writeAll(batch, all)
		} else {
			for i, m := range ms {
				data, merr := json.Marshal(m)
				if merr != nil {
					return fmt.Errorf("marshal match %s: %w", m.ID, merr)
				}
				batch.Set(queueKey(newHead+uint64(i)), data, nil)
			}
		}
		if err != nil {
			return err
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("persist requeued entries: %w", err)
		}
	}

	for _, m := range ms {
		delete(q.inflight, m.ID)
	}
	q.entries = all
	q.headSeq = newHead
	if rewrite {
		q.nextSeq = uint64(len(all))
	}
	metricQueueDepth.Set(float64(len(q.entries)))
	return nil
}

// writeAll stages a full renumbering of the pending prefix into batch.
func (q *Queue) writeAll(batch *pebble.Batch, all []*engine.Match) error {
	batch.DeleteRange([]byte("q:"), []byte("q;"), nil)
	for i, m := range all {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal match %s: %w", m.ID, err)
		}
		batch.Set(queueKey(uint64(i)), data, nil)
	}
	return nil
}

// rewriteLocked replaces all persisted state with a clean pending
// prefix. Only safe when nothing is tracked in-flight (startup
// recovery).
func (q *Queue) rewriteLocked(all []*engine.Match) error {
	if q.db != nil {
		batch := q.db.NewBatch()
		batch.DeleteRange([]byte("f:"), []byte("f;"), nil)
		if err := q.writeAll(batch, all); err != nil {
			return err
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("rewrite settlement queue: %w", err)
		}
	}
	q.entries = all
	q.headSeq = 0
	q.nextSeq = uint64(len(all))
	return nil
}

// Len reports the current backlog depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Kick returns the channel pulsed when the backlog crosses the size
// threshold.
func (q *Queue) Kick() <-chan struct{} {
	return q.kick
}

var _ engine.MatchSink = (*Queue)(nil)

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketQueryEvents  = "query_events"
	bucketClientTotals = "client_totals"
)

// QueryEvent records the outcome of one upstream attempt. Query and answer
// text are deliberately never stored.
type QueryEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	ClientID  string        `json:"client_id"`
	Mode      string        `json:"mode"`
	Outcome   string        `json:"outcome"`
	Duration  time.Duration `json:"duration_ns"`
}

// ClientTotals aggregates per-client attempt counts.
type ClientTotals struct {
	Requests    int64     `json:"requests"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	LastOutcome string    `json:"last_outcome"`
	LastUpdated time.Time `json:"last_updated"`
}

type usageStore struct {
	db        *bbolt.DB
	retention time.Duration
	nextPrune time.Time
}

func newUsageStore(path string, retentionDays int) (*usageStore, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketQueryEvents)); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketClientTotals)); e != nil {
			return e
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &usageStore{db: db, retention: time.Duration(retentionDays) * 24 * time.Hour, nextPrune: time.Now().Add(1 * time.Hour)}, nil
}

func (s *usageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *usageStore) record(ev QueryEvent) error {
	if s == nil || s.db == nil {
		return nil
	}
	id := ev.ClientID
	if id == "" {
		id = "unknown"
	}
	key := fmt.Sprintf("%020d|%s", ev.Timestamp.UnixNano(), id)
	val, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketQueryEvents)).Put([]byte(key), val); err != nil {
			return err
		}
		b := tx.Bucket([]byte(bucketClientTotals))
		var agg ClientTotals
		if raw := b.Get([]byte(id)); raw != nil {
			_ = json.Unmarshal(raw, &agg)
		}
		agg.Requests++
		if ev.Outcome == "ok" {
			agg.Successes++
		} else {
			agg.Failures++
		}
		agg.LastOutcome = ev.Outcome
		agg.LastUpdated = ev.Timestamp
		if enc, err := json.Marshal(&agg); err == nil {
			_ = b.Put([]byte(id), enc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if time.Now().After(s.nextPrune) {
		s.prune()
	}
	return nil
}

func (s *usageStore) prune() {
	cutoff := time.Now().Add(-s.retention)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketQueryEvents)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			parts := strings.SplitN(string(k), "|", 2)
			var ns int64
			if _, err := fmt.Sscanf(parts[0], "%d", &ns); err != nil {
				continue
			}
			if time.Unix(0, ns).Before(cutoff) {
				_ = c.Delete()
			} else {
				// keys are time-ordered; stop at the first kept one
				break
			}
		}
		return nil
	})
	s.nextPrune = time.Now().Add(1 * time.Hour)
}

func (s *usageStore) clientTotals(id string) (ClientTotals, error) {
	var out ClientTotals
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket([]byte(bucketClientTotals)).Get([]byte(id)); raw != nil {
			return json.Unmarshal(raw, &out)
		}
		return nil
	})
	return out, err
}

// recentEvents returns up to limit events, newest first.
func (s *usageStore) recentEvents(limit int) ([]QueryEvent, error) {
	var out []QueryEvent
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketQueryEvents)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var ev QueryEvent
			if json.Unmarshal(v, &ev) == nil {
				out = append(out, ev)
			}
		}
		return nil
	})
	return out, err
}

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var dropsBucket = []byte("drops")

// DropLog keeps rejected frames in a bbolt file.
type DropLog struct {
	db *bbolt.DB
}

func OpenDropLog(path string) (*DropLog, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open drop log %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dropsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	glog.Infof("drop log: %s", path)
	return &DropLog{db: db}, nil
}

// Record appends d, assigning its Seq and, if zero, its Time.
func (l *DropLog) Record(ctx context.Context, d Drop) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dropsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		d.Seq = seq
		if d.Time.IsZero() {
			d.Time = time.Now()
		}
		value, err := json.Marshal(&d)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), value)
	})
}

// List returns up to limit drops, newest first. limit <= 0 means all.
func (l *DropLog) List(limit int) ([]Drop, error) {
	var out []Drop
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(dropsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var d Drop
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode drop %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

func (l *DropLog) Close() error {
	return l.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/mqy/minichat/wire"
)

const (
	createMessagesSQL = "CREATE TABLE IF NOT EXISTS messages (" +
		"id VARCHAR(64) NOT NULL PRIMARY KEY, " +
		"topic_offset BIGINT NOT NULL DEFAULT 0, " +
		"from_addr VARCHAR(128) NOT NULL, " +
		"to_addr VARCHAR(128) NOT NULL, " +
		"create_time DATETIME(3) NOT NULL, " +
		"payload TEXT NOT NULL, " +
		"KEY idx_pair (from_addr, to_addr, create_time)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"

	getMessageSQL    = "SELECT topic_offset, payload FROM messages WHERE id=?"
	insertMessageSQL = "INSERT INTO messages (id, topic_offset, from_addr, to_addr, create_time, payload) VALUES (?,?,?,?,?,?)"
	getHistorySQL    = "SELECT payload FROM messages " +
		"WHERE (from_addr = ? AND to_addr = ?) OR (from_addr = ? AND to_addr = ?) " +
		"ORDER BY create_time DESC LIMIT ?"
	cleanMessagesSQL = "DELETE FROM messages WHERE create_time <= ?"
)

// messageStore implements interface `IMessageStore` on mysql.
type messageStore struct {
	*sql.DB
}

func NewMessageStore(db *sql.DB) *messageStore {
	return &messageStore{db}
}

// CreateTables creates the tables the store needs if they do not exist.
func (s *messageStore) CreateTables(ctx context.Context) error {
	_, err := s.ExecContext(ctx, createMessagesSQL)
	return err
}

func (s *messageStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		err2 := tx.Rollback()
		if err2 != nil {
			glog.Errorf("failed to rollback: %v", err)
		}
		return err
	}

	return tx.Commit()
}

func (s *messageStore) IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == 1062
	}
	return false
}

func (s *messageStore) Save(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg.ChatMessage)
	if err != nil {
		return err
	}
	createTime := msg.Timestamp
	if createTime.IsZero() {
		createTime = time.Now()
	}

	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertMessageSQL, msg.ID, msg.Offset, msg.From, msg.To, createTime, string(payload))
		if err != nil && s.IsDupKeyError(err) && msg.Offset > 0 {
			// The kafka commit of an already saved message failed, it was
			// fetched again. Skip it when it is the same record.
			var offset int64
			var saved string
			row := tx.QueryRowContext(ctx, getMessageSQL, msg.ID)
			if err := row.Scan(&offset, &saved); err != nil {
				glog.Errorf("get message error, id: %s, err: %v", msg.ID, err)
			} else if offset == msg.Offset && saved == string(payload) {
				return nil
			}
		}
		return err
	})
}

func (s *messageStore) History(ctx context.Context, a, b string, limit int) ([]*wire.ChatMessage, error) {
	var out []*wire.ChatMessage
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, getHistorySQL, a, b, b, a, limit)
		if err != nil {
			glog.Errorf("get history query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				glog.Errorf("get history scan err: %v", err)
				return err
			}
			msg, err := wire.DecodeChatMessage(wire.EventDMMessage, json.RawMessage(payload))
			if err != nil {
				glog.Errorf("get history decode err: %v", err)
				continue
			}
			out = append(out, msg)
		}
		return rows.Err()
	}, &sql.TxOptions{ReadOnly: true}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *messageStore) DeleteOutdated(ctx context.Context, ttlDays int32) (int64, error) {
	// Max value of create_time to match.
	lteCreateTime := GetDayBefore(ttlDays)
	var numDeleted int64

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, cleanMessagesSQL, lteCreateTime)
		if err != nil {
			return err
		}

		numDeleted, err = res.RowsAffected()
		return err
	}); err != nil {
		return 0, err
	}
	return numDeleted, nil
}

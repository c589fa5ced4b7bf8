package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/wire"
)

// Set MINICHAT_MYSQL_DSN to run against a real server, e.g.
// root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci
func openTestDB(t *testing.T) *messageStore {
	dsn := os.Getenv("MINICHAT_MYSQL_DSN")
	if dsn == "" {
		t.Skip("MINICHAT_MYSQL_DSN is not set")
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewMessageStore(db)
	require.NoError(t, s.CreateTables(context.Background()))
	_, err = db.Exec("DELETE FROM messages")
	require.NoError(t, err)
	return s
}

func TestSaveAndHistory(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	msgs := []*wire.ChatMessage{
		{ID: "1", From: "0xa", To: "0xb", Body: "hi", Timestamp: base},
		{ID: "2", From: "0xb", To: "0xa", Body: "yo", Timestamp: base.Add(time.Second)},
		{ID: "3", From: "0xa", To: "0xc", Body: "other", Timestamp: base.Add(2 * time.Second)},
	}
	for i, m := range msgs {
		require.NoError(t, s.Save(ctx, &Message{Offset: int64(i + 1), ChatMessage: m}))
	}

	// replay of the same kafka record is skipped
	assert.NoError(t, s.Save(ctx, &Message{Offset: 1, ChatMessage: msgs[0]}))

	// same id, other record
	err := s.Save(ctx, &Message{ChatMessage: msgs[0]})
	assert.True(t, s.IsDupKeyError(err))

	history, err := s.History(ctx, "0xa", "0xb", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "2", history[0].ID)
	assert.Equal(t, "1", history[1].ID)
	assert.True(t, base.Equal(history[1].Timestamp))

	n, err := s.DeleteOutdated(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestIsDupKeyError(t *testing.T) {
	s := &messageStore{}
	assert.True(t, s.IsDupKeyError(&mysql.MySQLError{Number: 1062}))
	assert.False(t, s.IsDupKeyError(&mysql.MySQLError{Number: 1045}))
	assert.False(t, s.IsDupKeyError(sql.ErrNoRows))
	assert.False(t, s.IsDupKeyError(nil))
}

func TestGetDayBefore(t *testing.T) {
	d := GetDayBefore(0)
	assert.Equal(t, 0, d.Hour())
	assert.True(t, d.Before(time.Now().Add(-24*time.Hour+time.Second)))
}

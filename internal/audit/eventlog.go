// Package audit appends attempt lifecycle events to a durable log so a
// course verdict can be traced back to the actions that produced it.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"
)

const (
	EventAttemptStarted  = "AttemptStarted"
	EventAttemptFinished = "AttemptFinished"
	EventAnswerGraded    = "AnswerGraded"
)

type Event struct {
	Seq       int64
	Type      string
	Key       string // natural key: attempt or answer ID
	DataJSON  string
	CreatedAt int64
}

type Log struct{ db *sql.DB }

func NewLog(db *sql.DB) *Log { return &Log{db: db} }

// Record marshals payload and appends one event. Audit writes never fail the
// operation that triggered them; errors are logged and dropped.
func (l *Log) Record(ctx context.Context, typ, key string, payload any) {
	if l == nil || l.db == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("audit: marshal %s %s: %v", typ, key, err)
		return
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO event_log (typ, key, data, created_at) VALUES ($1,$2,$3,$4)`,
		typ, key, string(data), time.Now().Unix())
	if err != nil {
		log.Printf("audit: append %s %s: %v", typ, key, err)
	}
}

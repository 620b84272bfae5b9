// Package social implements the outward-facing posting guards: the
// UNIQUE-constrained reply log that turns "reply to this tweet at most
// once" from a race condition into a database-enforced invariant.
package social

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// ReplyLog enforces at-most-one reply per external source id, across all
// personas.
type ReplyLog struct {
	db *sql.DB
}

// OpenReplyLog opens (creating if absent) the x_reply_log table at path.
func OpenReplyLog(path string) (*ReplyLog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open reply log: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS x_reply_log (
	tweet_id TEXT PRIMARY KEY,
	persona_id TEXT NOT NULL,
	reply_tweet_id TEXT NOT NULL
)`); err != nil {
		db.Close()
		return nil, err
	}
	return &ReplyLog{db: db}, nil
}

func (r *ReplyLog) Close() error { return r.db.Close() }

// ErrAlreadyReplied is returned by Claim when tweetID already has a
// recorded reply from any persona.
var ErrAlreadyReplied = errors.New("tweet already replied to")

// Claim atomically records that personaID is replying to tweetID with
// replyTweetID. Exactly one concurrent caller for the same tweetID
// succeeds; all others get ErrAlreadyReplied, satisfying the
// double-reply-prevention property via the UNIQUE constraint rather than
// an in-process lock (so it holds across process restarts too).
func (r *ReplyLog) Claim(ctx context.Context, tweetID, personaID, replyTweetID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO x_reply_log(tweet_id, persona_id, reply_tweet_id) VALUES (?,?,?)`,
		tweetID, personaID, replyTweetID)
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrAlreadyReplied
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAlreadyReplied
	}
	return err
}

// RepliedTo reports whether tweetID already has a recorded reply.
func (r *ReplyLog) RepliedTo(ctx context.Context, tweetID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM x_reply_log WHERE tweet_id = ?`, tweetID).Scan(&n)
	return n > 0, err
}

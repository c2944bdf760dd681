package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/goop2-rtc/internal/changefeed"
)

// DefaultTypingTable holds one row per user currently typing in a
// conversation.
const DefaultTypingTable = "typing_indicators"

// TypingRow is one typing indicator.
type TypingRow struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Updated returns UpdatedAt as a time.
func (r TypingRow) Updated() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// SetTyping upserts the row for (conversationID, userID) and publishes an
// INSERT or UPDATE change. Peers only learn of the row through that change,
// so a failed publish reverts the write and is returned.
func (d *DB) SetTyping(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" || userID == "" {
		return errors.New("typing row needs conversation and user")
	}
	row := TypingRow{ConversationID: conversationID, UserID: userID, UpdatedAt: d.clk.Now().UnixMilli()}

	d.mu.Lock()
	old, existed, err := d.upsertTyping(ctx, row)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}

	c := changefeed.Change{Table: d.table, Kind: changefeed.Insert, New: mustJSON(row)}
	if existed {
		c.Kind = changefeed.Update
		c.Old = mustJSON(old)
	}
	if err := d.publish(ctx, c); err != nil {
		d.mu.Lock()
		rerr := d.revertTyping(context.WithoutCancel(ctx), row, old, existed)
		d.mu.Unlock()
		if rerr != nil {
			log.Warnf("revert typing row %s/%s: %v", conversationID, userID, rerr)
		}
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// revertTyping undoes an upsert: the row goes back to old, or away if it
// did not exist. A newer write in between is left alone.
func (d *DB) revertTyping(ctx context.Context, row, old TypingRow, existed bool) error {
	var err error
	if existed {
		_, err = d.db.ExecContext(ctx,
			`UPDATE `+d.table+` SET updated_at = ? WHERE conversation_id = ? AND user_id = ? AND updated_at = ?`,
			old.UpdatedAt, row.ConversationID, row.UserID, row.UpdatedAt)
	} else {
		_, err = d.db.ExecContext(ctx,
			`DELETE FROM `+d.table+` WHERE conversation_id = ? AND user_id = ? AND updated_at = ?`,
			row.ConversationID, row.UserID, row.UpdatedAt)
	}
	return err
}

func (d *DB) upsertTyping(ctx context.Context, row TypingRow) (TypingRow, bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return TypingRow{}, false, err
	}
	defer tx.Rollback()

	old := TypingRow{ConversationID: row.ConversationID, UserID: row.UserID}
	err = tx.QueryRowContext(ctx,
		`SELECT updated_at FROM `+d.table+` WHERE conversation_id = ? AND user_id = ?`,
		row.ConversationID, row.UserID,
	).Scan(&old.UpdatedAt)
	existed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return TypingRow{}, false, err
	}

	if existed {
		_, err = tx.ExecContext(ctx,
			`UPDATE `+d.table+` SET updated_at = ? WHERE conversation_id = ? AND user_id = ?`,
			row.UpdatedAt, row.ConversationID, row.UserID)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+d.table+` (conversation_id, user_id, updated_at) VALUES (?, ?, ?)`,
			row.ConversationID, row.UserID, row.UpdatedAt)
	}
	if err != nil {
		return TypingRow{}, false, err
	}
	return old, existed, tx.Commit()
}

// ClearTyping deletes the row for (conversationID, userID) and publishes a
// DELETE change carrying the old row. Clearing a missing row is a no-op.
// A failed publish is returned; the row stays deleted.
func (d *DB) ClearTyping(ctx context.Context, conversationID, userID string) error {
	d.mu.Lock()
	old, existed, err := d.deleteTyping(ctx, conversationID, userID)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	if !existed {
		return nil
	}
	if err := d.publish(ctx, changefeed.Change{Table: d.table, Kind: changefeed.Delete, Old: mustJSON(old)}); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

func (d *DB) deleteTyping(ctx context.Context, conversationID, userID string) (TypingRow, bool, error) {
	old := TypingRow{ConversationID: conversationID, UserID: userID}
	err := d.db.QueryRowContext(ctx,
		`DELETE FROM `+d.table+` WHERE conversation_id = ? AND user_id = ? RETURNING updated_at`,
		conversationID, userID,
	).Scan(&old.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return old, false, nil
	}
	if err != nil {
		return old, false, err
	}
	return old, true, nil
}

// ListTyping returns the rows of conversationID ordered by user.
func (d *DB) ListTyping(ctx context.Context, conversationID string) ([]TypingRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT conversation_id, user_id, updated_at FROM `+d.table+`
		 WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TypingRow
	for rows.Next() {
		var r TypingRow
		if err := rows.Scan(&r.ConversationID, &r.UserID, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneTyping deletes rows not refreshed within olderThan, publishing a
// DELETE for each, and returns how many were removed. Publish failures are
// logged; peers expire those entries on their own.
func (d *DB) PruneTyping(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := d.clk.Now().Add(-olderThan).UnixMilli()

	d.mu.Lock()
	stale, err := d.deleteStale(ctx, cutoff)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		if err := d.publish(ctx, changefeed.Change{Table: d.table, Kind: changefeed.Delete, Old: mustJSON(r)}); err != nil {
			log.Warnf("prune: %v", err)
		}
	}
	return len(stale), nil
}

func (d *DB) deleteStale(ctx context.Context, cutoff int64) ([]TypingRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`DELETE FROM `+d.table+` WHERE updated_at < ?
		 RETURNING conversation_id, user_id, updated_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TypingRow
	for rows.Next() {
		var r TypingRow
		if err := rows.Scan(&r.ConversationID, &r.UserID, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func mustJSON(r TypingRow) json.RawMessage {
	b, _ := json.Marshal(r)
	return b
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/loomcode/loom/pkg/types"
)

// FlushWithMessages atomically persists a session alongside a batch of its
// messages and their parts. Callers that would otherwise issue a Put per
// message/part (compaction, bulk session import) use this instead so a
// failure partway through never leaves the session pointing at messages
// that were never written, or vice versa.
func (s *Storage) FlushWithMessages(ctx context.Context, session *types.Session, messages []*types.Message, parts map[string][]types.Part) error {
	if s.db == nil {
		return fmt.Errorf("storage not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	sessionData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := putDocument(ctx, tx, []string{"session", session.ProjectID, session.ID}, sessionData); err != nil {
		return err
	}

	for _, msg := range messages {
		msgData, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
		}
		if err := putDocument(ctx, tx, []string{"message", session.ID, msg.ID}, msgData); err != nil {
			return err
		}

		for _, part := range parts[msg.ID] {
			partData, err := json.Marshal(part)
			if err != nil {
				return fmt.Errorf("failed to marshal part %s: %w", part.PartID(), err)
			}
			if err := putDocument(ctx, tx, []string{"part", msg.ID, part.PartID()}, partData); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flush: %w", err)
	}
	return nil
}

// maxInlineKeepSet is the largest keep set passed as inline NOT IN
// placeholders. Sqlite's default bound-parameter ceiling is 999 and the
// query spends one parameter on the dir, so anything larger goes through
// the temp-table path instead.
const maxInlineKeepSet = 998

// pruneChunkSize bounds how many rows go into the temp keep-set table per
// INSERT batch, staying well under sqlite's default 999 bound-parameter limit.
const pruneChunkSize = 500

// PruneMessages deletes every message (and its parts) for a session whose ID
// is not in keepIDs. Used by the compaction engine to drop superseded
// messages after a summary has absorbed them. Keep sets up to
// maxInlineKeepSet rows run as a plain NOT IN (...) with inline
// placeholders; larger sets are loaded into a temporary table in chunks and
// the delete runs as one NOT IN against that table.
func (s *Storage) PruneMessages(ctx context.Context, sessionID string, keepIDs []string) error {
	if s.db == nil {
		return fmt.Errorf("storage not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	msgDir := joinPath([]string{"message", sessionID})

	var toDelete []string
	if len(keepIDs) <= maxInlineKeepSet {
		toDelete, err = prunableMessagesInline(ctx, tx, msgDir, keepIDs)
	} else {
		toDelete, err = prunableMessagesViaTempTable(ctx, tx, msgDir, keepIDs)
	}
	if err != nil {
		return err
	}

	for _, id := range toDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, msgDir+"/"+id); err != nil {
			return fmt.Errorf("failed to prune message %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE dir = ?`, joinPath([]string{"part", id})); err != nil {
			return fmt.Errorf("failed to prune parts of message %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// prunableMessagesInline finds message IDs under msgDir outside the keep set
// with a single NOT IN (...) of inline placeholders.
func prunableMessagesInline(ctx context.Context, tx *sql.Tx, msgDir string, keepIDs []string) ([]string, error) {
	query := `SELECT leaf FROM documents WHERE dir = ?`
	args := []any{msgDir}
	if len(keepIDs) > 0 {
		placeholders := make([]string, len(keepIDs))
		for i, id := range keepIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` AND leaf NOT IN (` + joinPlaceholders(placeholders) + `)`
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find prunable messages: %w", err)
	}
	return scanLeafs(rows)
}

// prunableMessagesViaTempTable loads the keep set into a temp table in
// chunks, then finds prunable message IDs with one NOT IN subquery, keeping
// every statement under the bound-parameter ceiling regardless of set size.
func prunableMessagesViaTempTable(ctx context.Context, tx *sql.Tx, msgDir string, keepIDs []string) ([]string, error) {
	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS keep_ids (id TEXT PRIMARY KEY)`); err != nil {
		return nil, fmt.Errorf("failed to create temp keep table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM keep_ids`); err != nil {
		return nil, fmt.Errorf("failed to reset temp keep table: %w", err)
	}

	for i := 0; i < len(keepIDs); i += pruneChunkSize {
		end := i + pruneChunkSize
		if end > len(keepIDs) {
			end = len(keepIDs)
		}
		chunk := keepIDs[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for j, id := range chunk {
			placeholders[j] = "(?)"
			args[j] = id
		}
		query := fmt.Sprintf(`INSERT OR IGNORE INTO keep_ids (id) VALUES %s`, joinPlaceholders(placeholders))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("failed to load keep-set chunk: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT leaf FROM documents WHERE dir = ? AND leaf NOT IN (SELECT id FROM keep_ids)`, msgDir)
	if err != nil {
		return nil, fmt.Errorf("failed to find prunable messages: %w", err)
	}
	toDelete, err := scanLeafs(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM keep_ids`); err != nil {
		return nil, fmt.Errorf("failed to clear temp keep table: %w", err)
	}
	return toDelete, nil
}

func scanLeafs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var leafs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		leafs = append(leafs, id)
	}
	return leafs, rows.Err()
}

func joinPlaceholders(placeholders []string) string {
	out := placeholders[0]
	for _, p := range placeholders[1:] {
		out += ", " + p
	}
	return out
}

package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"

	"mnemos/internal/memerr"
)

// =============================================================================
// ARCHIVE TIER
// =============================================================================

// ArchivedMemory is one row in the compressed archive tier. Content is stored
// gzipped and transparently decompressed on read.
type ArchivedMemory struct {
	MemoryID   string         `json:"memory_id"`
	UserID     string         `json:"user_id"`
	MemoryType string         `json:"memory_type,omitempty"`
	Importance float64        `json:"importance"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// Archive stores a compressed copy of a memory. Re-archiving the same memory
// overwrites the previous row, so a demotion sweep is idempotent.
func (s *Store) Archive(ctx context.Context, mem ArchivedMemory) error {
	const op = "store.Archive"

	if mem.MemoryID == "" || mem.UserID == "" {
		return memerr.New(memerr.KindValidation, op, "memory_id and user_id are required")
	}

	blob, err := compress(mem.Content)
	if err != nil {
		return memerr.Wrapf(memerr.KindInternal, op, err, "compress content")
	}

	meta := "{}"
	if len(mem.Metadata) > 0 {
		if b, err := json.Marshal(mem.Metadata); err == nil {
			meta = string(b)
		}
	}
	at := mem.ArchivedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archived_memories (memory_id, user_id, memory_type, importance, content, content_bytes, metadata, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(memory_id) DO UPDATE SET
			user_id = excluded.user_id,
			memory_type = excluded.memory_type,
			importance = excluded.importance,
			content = excluded.content,
			content_bytes = excluded.content_bytes,
			metadata = excluded.metadata,
			archived_at = excluded.archived_at`,
		mem.MemoryID, mem.UserID, mem.MemoryType, mem.Importance, blob, len(mem.Content), meta, at)
	if err != nil {
		return memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "archive memory %s", mem.MemoryID)
	}

	s.log.Debug("memory archived",
		zap.String("memory_id", mem.MemoryID),
		zap.Int("original_bytes", len(mem.Content)),
		zap.Int("compressed_bytes", len(blob)))
	return nil
}

// Archived returns a user's archived memories, newest first, with content
// decompressed. Rows whose blobs fail to decompress are skipped.
func (s *Store) Archived(ctx context.Context, userID string, limit int) ([]ArchivedMemory, error) {
	const op = "store.Archived"

	if userID == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, user_id, memory_type, importance, content, metadata, archived_at
		 FROM archived_memories
		 WHERE user_id = ?
		 ORDER BY archived_at DESC
		 LIMIT ?`, userID, limit)
	if err != nil {
		return nil, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "query archive")
	}
	defer rows.Close()

	var memories []ArchivedMemory
	for rows.Next() {
		var (
			mem  ArchivedMemory
			blob []byte
			meta string
		)
		if err := rows.Scan(&mem.MemoryID, &mem.UserID, &mem.MemoryType, &mem.Importance, &blob, &meta, &mem.ArchivedAt); err != nil {
			continue
		}
		content, err := decompress(blob)
		if err != nil {
			s.log.Warn("archived content unreadable",
				zap.String("memory_id", mem.MemoryID), zap.Error(err))
			continue
		}
		mem.Content = content
		if meta != "" && meta != "{}" {
			var m map[string]any
			if err := json.Unmarshal([]byte(meta), &m); err == nil {
				mem.Metadata = m
			}
		}
		memories = append(memories, mem)
	}
	return memories, nil
}

// PurgeArchived permanently deletes archived rows older than the given age.
func (s *Store) PurgeArchived(ctx context.Context, olderThanDays int) (int, error) {
	const op = "store.PurgeArchived"

	if olderThanDays <= 0 {
		return 0, memerr.New(memerr.KindValidation, op, "olderThanDays must be positive")
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM archived_memories
		 WHERE datetime(archived_at) < datetime('now', '-' || ? || ' days')`,
		olderThanDays)
	if err != nil {
		return 0, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "purge archive")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("archive purged",
			zap.Int64("rows_removed", n),
			zap.Int("older_than_days", olderThanDays))
	}
	return int(n), nil
}

// =============================================================================
// COMPRESSION
// =============================================================================

func compress(content string) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(content)); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(blob []byte) (string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return "", err
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

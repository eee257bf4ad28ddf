package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mnemos/internal/memerr"
	"mnemos/internal/retrieval"
	"mnemos/internal/types"
)

// Store feeds the retrieval engine's access tracking hook.
var _ retrieval.AccessTracker = (*Store)(nil)

// =============================================================================
// ACCESS TRACKING
// =============================================================================

// RecordSearch bumps the hit counters for every memory a search returned and
// the user's search total. Hit rates divide the former by the latter, so both
// move in the same transaction.
func (s *Store) RecordSearch(ctx context.Context, userID string, memoryIDs []string) error {
	const op = "store.RecordSearch"

	if userID == "" {
		return memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO search_stats (user_id, search_count, last_search)
		 VALUES (?, 1, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			search_count = search_count + 1,
			last_search = excluded.last_search`,
		userID, now); err != nil {
		return memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "update search total")
	}

	for _, id := range memoryIDs {
		if id == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_stats (memory_id, user_id, access_count, search_hits, first_access, last_access)
			 VALUES (?, ?, 1, 1, ?, ?)
			 ON CONFLICT(memory_id) DO UPDATE SET
				access_count = access_count + 1,
				search_hits = search_hits + 1,
				last_access = excluded.last_access`,
			id, userID, now, now); err != nil {
			return memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "record hit for %s", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "commit")
	}
	return nil
}

// RecordAccess bumps a memory's direct-access counter. Unlike a search hit it
// does not move the user's search total, so it dilutes nothing.
func (s *Store) RecordAccess(ctx context.Context, userID, memoryID string) error {
	const op = "store.RecordAccess"

	if userID == "" || memoryID == "" {
		return memerr.New(memerr.KindValidation, op, "user_id and memory_id are required")
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_stats (memory_id, user_id, access_count, search_hits, first_access, last_access)
		 VALUES (?, ?, 1, 0, ?, ?)
		 ON CONFLICT(memory_id) DO UPDATE SET
			access_count = access_count + 1,
			last_access = excluded.last_access`,
		memoryID, userID, now, now)
	if err != nil {
		return memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "record access for %s", memoryID)
	}
	return nil
}

// =============================================================================
// USAGE STATISTICS
// =============================================================================

// UsageByUser computes observed usage for every tracked memory of one user.
// The maintenance sweep feeds these into re-planning; nothing here is
// estimated.
func (s *Store) UsageByUser(ctx context.Context, userID string) (map[string]types.UsageStats, error) {
	const op = "store.UsageByUser"

	if userID == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT a.memory_id, a.access_count, a.search_hits, a.first_access, a.last_access,
			COALESCE(st.search_count, 0)
		 FROM access_stats a
		 LEFT JOIN search_stats st ON st.user_id = a.user_id
		 WHERE a.user_id = ?`, userID)
	if err != nil {
		return nil, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "query usage")
	}
	defer rows.Close()

	now := time.Now().UTC()
	usage := make(map[string]types.UsageStats)
	for rows.Next() {
		var (
			memoryID     string
			accessCount  int64
			searchHits   int64
			first, last  time.Time
			userSearches int64
		)
		if err := rows.Scan(&memoryID, &accessCount, &searchHits, &first, &last, &userSearches); err != nil {
			continue
		}
		usage[memoryID] = usageFrom(accessCount, searchHits, userSearches, first, last, now)
	}
	return usage, nil
}

// Usage returns observed stats for one memory. The second return is false
// when the memory was never accessed.
func (s *Store) Usage(ctx context.Context, memoryID string) (types.UsageStats, bool, error) {
	const op = "store.Usage"

	if memoryID == "" {
		return types.UsageStats{}, false, memerr.New(memerr.KindValidation, op, "memory_id is required")
	}

	var (
		accessCount  int64
		searchHits   int64
		first, last  time.Time
		userSearches int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT a.access_count, a.search_hits, a.first_access, a.last_access,
			COALESCE(st.search_count, 0)
		 FROM access_stats a
		 LEFT JOIN search_stats st ON st.user_id = a.user_id
		 WHERE a.memory_id = ?`, memoryID).
		Scan(&accessCount, &searchHits, &first, &last, &userSearches)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.UsageStats{}, false, nil
		}
		return types.UsageStats{}, false, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "query usage for %s", memoryID)
	}
	return usageFrom(accessCount, searchHits, userSearches, first, last, time.Now().UTC()), true, nil
}

// TrackedUsers lists every user with access statistics, for sweep iteration.
func (s *Store) TrackedUsers(ctx context.Context) ([]string, error) {
	const op = "store.TrackedUsers"

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT user_id FROM access_stats ORDER BY user_id")
	if err != nil {
		return nil, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "query tracked users")
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// usageFrom derives the re-planning inputs from raw counters. A memory
// tracked for under a day counts as one day so fresh rows do not report
// inflated daily rates.
func usageFrom(accessCount, searchHits, userSearches int64, first, last, now time.Time) types.UsageStats {
	days := now.Sub(first).Hours() / 24
	if days < 1 {
		days = 1
	}
	idle := int(now.Sub(last).Hours() / 24)
	if idle < 0 {
		idle = 0
	}
	rate := 0.0
	if userSearches > 0 {
		rate = float64(searchHits) / float64(userSearches)
	}
	return types.UsageStats{
		DailyAccessCount:    float64(accessCount) / days,
		DaysSinceLastAccess: idle,
		SearchHitRate:       rate,
	}
}

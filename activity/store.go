package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mwmbl/post/errors"
)

// Store handles persistence of activities, posts, and the scheduler cursor.
// All timestamps are stored as RFC3339 UTC strings.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an already-migrated database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the underlying database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.WrapStoreUnavailable(err, "ping database")
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTS(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

const activityColumns = `id, source, kind, native_id, content_hash,
	       observed_at, occurred_at, actor, title, summary, link, numbers,
	       newsworthy`

// FindOrCreateActivity inserts the activity unless its fingerprint already
// exists. The insert relies on the store's partial unique indexes, so two
// collectors racing on the same fingerprint cannot both create a row: the
// loser observes created=false and receives the existing activity.
func (s *Store) FindOrCreateActivity(ctx context.Context, a *Activity) (*Activity, bool, error) {
	var nativeID interface{}
	if a.NativeID != "" {
		nativeID = a.NativeID
	}

	var actor, summary, link interface{}
	if a.Payload.Actor != "" {
		actor = a.Payload.Actor
	}
	if a.Payload.Summary != "" {
		summary = a.Payload.Summary
	}
	if a.Payload.Link != "" {
		link = a.Payload.Link
	}

	var numbers interface{}
	if len(a.Payload.Numbers) > 0 {
		encoded, err := json.Marshal(a.Payload.Numbers)
		if err != nil {
			return nil, false, errors.Wrap(err, "marshal activity numbers")
		}
		numbers = string(encoded)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (
			id, source, kind, native_id, content_hash,
			observed_at, occurred_at, actor, title, summary, link, numbers,
			newsworthy, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT DO NOTHING
	`,
		a.ID,
		a.Source,
		a.Kind,
		nativeID,
		a.ContentHash,
		ts(a.ObservedAt),
		ts(a.OccurredAt),
		actor,
		a.Payload.Title,
		summary,
		link,
		numbers,
		ts(a.ObservedAt),
	)
	if err != nil {
		return nil, false, errors.WrapStoreUnavailable(err, "insert activity")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.WrapStoreUnavailable(err, "insert activity")
	}
	if affected == 1 {
		stored := *a
		stored.Newsworthy = nil
		return &stored, true, nil
	}

	// Fingerprint already present: fetch the existing row.
	existing, err := s.findByFingerprint(ctx, a.Source, a.NativeID, a.ContentHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) findByFingerprint(ctx context.Context, source Source, nativeID, contentHash string) (*Activity, error) {
	var row *sql.Row
	if nativeID != "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+activityColumns+`
			FROM activities WHERE source = ? AND native_id = ?
		`, source, nativeID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+activityColumns+`
			FROM activities WHERE source = ? AND content_hash = ? AND native_id IS NULL
		`, source, contentHash)
	}
	return scanActivity(row)
}

// GetActivity retrieves an activity by ID.
func (s *Store) GetActivity(ctx context.Context, id string) (*Activity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+activityColumns+`
		FROM activities WHERE id = ?
	`, id)
	return scanActivity(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActivity(row rowScanner) (*Activity, error) {
	var a Activity
	var nativeID, actor, summary, link, numbers sql.NullString
	var observedAt, occurredAt string
	var newsworthy sql.NullBool

	err := row.Scan(
		&a.ID,
		&a.Source,
		&a.Kind,
		&nativeID,
		&a.ContentHash,
		&observedAt,
		&occurredAt,
		&actor,
		&a.Payload.Title,
		&summary,
		&link,
		&numbers,
		&newsworthy,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrap(errors.ErrNotFound, "activity")
		}
		return nil, errors.WrapStoreUnavailable(err, "scan activity")
	}

	if a.ObservedAt, err = parseTS(observedAt); err != nil {
		return nil, errors.Wrapf(err, "parse observed_at for activity %s", a.ID)
	}
	if a.OccurredAt, err = parseTS(occurredAt); err != nil {
		return nil, errors.Wrapf(err, "parse occurred_at for activity %s", a.ID)
	}

	a.NativeID = nativeID.String
	a.Payload.Actor = actor.String
	a.Payload.Summary = summary.String
	a.Payload.Link = link.String
	if numbers.Valid && numbers.String != "" {
		if err := json.Unmarshal([]byte(numbers.String), &a.Payload.Numbers); err != nil {
			return nil, errors.Wrapf(err, "parse numbers for activity %s", a.ID)
		}
	}
	if newsworthy.Valid {
		v := newsworthy.Bool
		a.Newsworthy = &v
	}

	return &a, nil
}

func (s *Store) queryActivities(ctx context.Context, query string, args ...interface{}) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapStoreUnavailable(err, "query activities")
	}
	defer rows.Close()

	var activities []*Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStoreUnavailable(err, "iterate activities")
	}
	return activities, nil
}

// ListUnclassified returns activities the filter has not classified yet, in
// insertion order.
func (s *Store) ListUnclassified(ctx context.Context, limit int) ([]*Activity, error) {
	return s.queryActivities(ctx, `
		SELECT `+activityColumns+`
		FROM activities
		WHERE newsworthy IS NULL
		ORDER BY rowid ASC
		LIMIT ?
	`, limit)
}

// ListClassified returns classified activities, newest first, for
// reclassification sweeps.
func (s *Store) ListClassified(ctx context.Context, limit int) ([]*Activity, error) {
	return s.queryActivities(ctx, `
		SELECT `+activityColumns+`
		FROM activities
		WHERE newsworthy IS NOT NULL
		ORDER BY observed_at DESC, rowid DESC
		LIMIT ?
	`, limit)
}

// SetNewsworthy records the classification verdict for an activity.
func (s *Store) SetNewsworthy(ctx context.Context, id string, newsworthy bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE activities SET newsworthy = ? WHERE id = ?`, newsworthy, id)
	if err != nil {
		return errors.WrapStoreUnavailable(err, "set newsworthy")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WrapStoreUnavailable(err, "set newsworthy")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "activity %s", id)
	}
	return nil
}

// LatestNewsworthyNumbers returns the numbers payload of the most recent
// newsworthy activity of the given kind — the baseline the statistics rule
// compares against. ErrNotFound means no baseline exists yet.
func (s *Store) LatestNewsworthyNumbers(ctx context.Context, kind Kind) (map[string]float64, error) {
	var numbers sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT numbers FROM activities
		WHERE kind = ? AND newsworthy = 1
		ORDER BY observed_at DESC, rowid DESC
		LIMIT 1
	`, kind).Scan(&numbers)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "no newsworthy %s baseline", kind)
		}
		return nil, errors.WrapStoreUnavailable(err, "query stats baseline")
	}

	if !numbers.Valid || numbers.String == "" {
		return map[string]float64{}, nil
	}
	var out map[string]float64
	if err := json.Unmarshal([]byte(numbers.String), &out); err != nil {
		return nil, errors.Wrap(err, "parse stats baseline numbers")
	}
	return out, nil
}

// HasSucceededPostForActivity reports whether the activity is attached to any
// succeeded post. Used as the reclassification guard: consumed activities
// keep their verdict.
func (s *Store) HasSucceededPostForActivity(ctx context.Context, activityID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM post_activities pa
			JOIN posts p ON p.id = pa.post_id
			WHERE pa.activity_id = ? AND p.status = 'succeeded'
		)
	`, activityID).Scan(&exists)
	if err != nil {
		return false, errors.WrapStoreUnavailable(err, "query succeeded posts for activity")
	}
	return exists, nil
}

// ListDailyCandidates returns newsworthy activities that still lack a
// succeeded daily post on at least one of the cycle's destinations, newest
// first. Equal observation times tie-break on insertion order, later row
// first.
func (s *Store) ListDailyCandidates(ctx context.Context, destinationCount, limit int) ([]*Activity, error) {
	return s.queryActivities(ctx, `
		SELECT `+activityColumns+`
		FROM activities a
		WHERE a.newsworthy = 1
		  AND (
			SELECT COUNT(DISTINCT p.destination)
			FROM post_activities pa
			JOIN posts p ON p.id = pa.post_id
			WHERE pa.activity_id = a.id
			  AND p.cycle_type = 'daily'
			  AND p.status = 'succeeded'
		  ) < ?
		ORDER BY a.observed_at DESC, a.rowid DESC
		LIMIT ?
	`, destinationCount, limit)
}

// ListNewsworthyBetween returns newsworthy activities observed in
// (start, end], grouped by kind and newest first within each kind — the
// weekly digest window.
func (s *Store) ListNewsworthyBetween(ctx context.Context, start, end time.Time) ([]*Activity, error) {
	return s.queryActivities(ctx, `
		SELECT `+activityColumns+`
		FROM activities
		WHERE newsworthy = 1 AND observed_at > ? AND observed_at <= ?
		ORDER BY kind ASC, observed_at DESC, rowid DESC
	`, ts(start), ts(end))
}

// CreatePost inserts a pending post row and its activity attachments in one
// transaction.
func (s *Store) CreatePost(ctx context.Context, p *Post) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapStoreUnavailable(err, "begin create post")
	}

	var content interface{}
	if p.Content != "" {
		content = p.Content
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO posts (
			id, activity_signature, destination, cycle_type, status,
			attempt_count, last_attempt_at, external_ref, content,
			error_message, created_at
		) VALUES (?, ?, ?, ?, ?, 0, NULL, NULL, ?, NULL, ?)
	`,
		p.ID,
		p.Signature,
		p.Destination,
		p.CycleType,
		PostPending,
		content,
		ts(p.CreatedAt),
	)
	if err != nil {
		tx.Rollback()
		return errors.WrapStoreUnavailable(err, "insert post")
	}

	for _, activityID := range p.ActivityIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO post_activities (post_id, activity_id) VALUES (?, ?)`,
			p.ID, activityID); err != nil {
			tx.Rollback()
			return errors.WrapStoreUnavailable(err, "attach activity to post")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapStoreUnavailable(err, "commit create post")
	}
	p.Status = PostPending
	return nil
}

// UpdatePostAttempt records one publish attempt for audit without changing
// the post's status.
func (s *Store) UpdatePostAttempt(ctx context.Context, id string, attempts int, at time.Time, errMsg string) error {
	var errVal interface{}
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET attempt_count = ?, last_attempt_at = ?, error_message = ?
		WHERE id = ?
	`, attempts, ts(at), errVal, id)
	if err != nil {
		return errors.WrapStoreUnavailable(err, "update post attempt")
	}
	return nil
}

// MarkPostSucceeded transitions a post to its terminal succeeded status.
func (s *Store) MarkPostSucceeded(ctx context.Context, id string, attempts int, at time.Time, externalRef string) error {
	var ref interface{}
	if externalRef != "" {
		ref = externalRef
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET status = ?, attempt_count = ?, last_attempt_at = ?,
		    external_ref = ?, error_message = NULL
		WHERE id = ?
	`, PostSucceeded, attempts, ts(at), ref, id)
	if err != nil {
		return errors.WrapStoreUnavailable(err, "mark post succeeded")
	}
	return nil
}

// MarkPostFailed records a failed outcome, retryable or permanent.
func (s *Store) MarkPostFailed(ctx context.Context, id string, status PostStatus, attempts int, at time.Time, errMsg string) error {
	var errVal interface{}
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET status = ?, attempt_count = ?, last_attempt_at = ?, error_message = ?
		WHERE id = ?
	`, status, attempts, ts(at), errVal, id)
	if err != nil {
		return errors.WrapStoreUnavailable(err, "mark post failed")
	}
	return nil
}

// HasSucceededPost reports whether a succeeded post already exists for the
// (activity signature, destination) pair — the at-most-once publish check.
func (s *Store) HasSucceededPost(ctx context.Context, signature string, destination Destination) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM posts
			WHERE activity_signature = ? AND destination = ? AND status = 'succeeded'
		)
	`, signature, destination).Scan(&exists)
	if err != nil {
		return false, errors.WrapStoreUnavailable(err, "query succeeded post")
	}
	return exists, nil
}

// ListPostsSince returns posts created at or after t, newest first.
func (s *Store) ListPostsSince(ctx context.Context, t time.Time) ([]*Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, activity_signature, destination, cycle_type, status,
		       attempt_count, last_attempt_at, external_ref, content,
		       error_message, created_at
		FROM posts
		WHERE created_at >= ?
		ORDER BY created_at DESC, rowid DESC
	`, ts(t))
	if err != nil {
		return nil, errors.WrapStoreUnavailable(err, "query posts")
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		var p Post
		var lastAttemptAt, externalRef, content, errMsg sql.NullString
		var createdAt string

		err := rows.Scan(
			&p.ID,
			&p.Signature,
			&p.Destination,
			&p.CycleType,
			&p.Status,
			&p.AttemptCount,
			&lastAttemptAt,
			&externalRef,
			&content,
			&errMsg,
			&createdAt,
		)
		if err != nil {
			return nil, errors.WrapStoreUnavailable(err, "scan post")
		}

		if p.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, errors.Wrapf(err, "parse created_at for post %s", p.ID)
		}
		if lastAttemptAt.Valid {
			if p.LastAttemptAt, err = parseTS(lastAttemptAt.String); err != nil {
				return nil, errors.Wrapf(err, "parse last_attempt_at for post %s", p.ID)
			}
		}
		p.ExternalRef = externalRef.String
		p.Content = content.String
		p.ErrorMessage = errMsg.String

		posts = append(posts, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStoreUnavailable(err, "iterate posts")
	}
	return posts, nil
}

// CountActivitiesBySource returns per-source activity counts since t.
func (s *Store) CountActivitiesBySource(ctx context.Context, since time.Time) (map[Source]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM activities
		WHERE observed_at >= ?
		GROUP BY source
	`, ts(since))
	if err != nil {
		return nil, errors.WrapStoreUnavailable(err, "count activities")
	}
	defer rows.Close()

	counts := make(map[Source]int)
	for rows.Next() {
		var source Source
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, errors.WrapStoreUnavailable(err, "scan activity counts")
		}
		counts[source] = count
	}
	return counts, rows.Err()
}

// CountPostsByDestination returns per-destination, per-status post counts
// since t.
func (s *Store) CountPostsByDestination(ctx context.Context, since time.Time) (map[Destination]map[PostStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT destination, status, COUNT(*) FROM posts
		WHERE created_at >= ?
		GROUP BY destination, status
	`, ts(since))
	if err != nil {
		return nil, errors.WrapStoreUnavailable(err, "count posts")
	}
	defer rows.Close()

	counts := make(map[Destination]map[PostStatus]int)
	for rows.Next() {
		var dest Destination
		var status PostStatus
		var count int
		if err := rows.Scan(&dest, &status, &count); err != nil {
			return nil, errors.WrapStoreUnavailable(err, "scan post counts")
		}
		if counts[dest] == nil {
			counts[dest] = make(map[PostStatus]int)
		}
		counts[dest][status] = count
	}
	return counts, rows.Err()
}

// CountNewsworthy returns how many newsworthy activities were observed since t.
func (s *Store) CountNewsworthy(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activities
		WHERE newsworthy = 1 AND observed_at >= ?
	`, ts(since)).Scan(&count)
	if err != nil {
		return 0, errors.WrapStoreUnavailable(err, "count newsworthy activities")
	}
	return count, nil
}

// ScheduleState reads the scheduler cursor, creating the default row on
// first read. Read once at cycle start.
func (s *Store) ScheduleState(ctx context.Context) (*ScheduleState, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schedule_state (id) VALUES (1)`); err != nil {
		return nil, errors.WrapStoreUnavailable(err, "init schedule state")
	}

	var st ScheduleState
	var lastDaily, lastWeekly sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT last_daily_run_at, last_weekly_run_at, posts_published_today, day
		FROM schedule_state WHERE id = 1
	`).Scan(&lastDaily, &lastWeekly, &st.PostsPublishedToday, &st.Day)
	if err != nil {
		return nil, errors.WrapStoreUnavailable(err, "read schedule state")
	}

	if lastDaily.Valid {
		if st.LastDailyRunAt, err = parseTS(lastDaily.String); err != nil {
			return nil, errors.Wrap(err, "parse last_daily_run_at")
		}
	}
	if lastWeekly.Valid {
		if st.LastWeeklyRunAt, err = parseTS(lastWeekly.String); err != nil {
			return nil, errors.Wrap(err, "parse last_weekly_run_at")
		}
	}

	st.LastPostAt = make(map[Destination]time.Time)
	rows, err := s.db.QueryContext(ctx,
		`SELECT destination, last_post_at FROM destination_cursors`)
	if err != nil {
		return nil, errors.WrapStoreUnavailable(err, "read destination cursors")
	}
	defer rows.Close()
	for rows.Next() {
		var dest Destination
		var at string
		if err := rows.Scan(&dest, &at); err != nil {
			return nil, errors.WrapStoreUnavailable(err, "scan destination cursor")
		}
		t, err := parseTS(at)
		if err != nil {
			return nil, errors.Wrapf(err, "parse last_post_at for %s", dest)
		}
		st.LastPostAt[dest] = t
	}
	return &st, rows.Err()
}

// SaveScheduleState writes the scheduler cursor. Written once per completed
// cycle, at the Recording stage.
func (s *Store) SaveScheduleState(ctx context.Context, st *ScheduleState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapStoreUnavailable(err, "begin save schedule state")
	}

	var lastDaily, lastWeekly interface{}
	if !st.LastDailyRunAt.IsZero() {
		lastDaily = ts(st.LastDailyRunAt)
	}
	if !st.LastWeeklyRunAt.IsZero() {
		lastWeekly = ts(st.LastWeeklyRunAt)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE schedule_state
		SET last_daily_run_at = ?, last_weekly_run_at = ?,
		    posts_published_today = ?, day = ?
		WHERE id = 1
	`, lastDaily, lastWeekly, st.PostsPublishedToday, st.Day)
	if err != nil {
		tx.Rollback()
		return errors.WrapStoreUnavailable(err, "save schedule state")
	}

	for dest, at := range st.LastPostAt {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO destination_cursors (destination, last_post_at)
			VALUES (?, ?)
			ON CONFLICT(destination) DO UPDATE SET last_post_at = excluded.last_post_at
		`, dest, ts(at))
		if err != nil {
			tx.Rollback()
			return errors.WrapStoreUnavailable(err, "save destination cursor")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapStoreUnavailable(err, "commit schedule state")
	}
	return nil
}

// DeleteActivitiesBefore removes non-newsworthy activities observed before t
// that no post references. Newsworthy rows are kept for the weekly digest
// and audit trail.
func (s *Store) DeleteActivitiesBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM activities
		WHERE observed_at < ?
		  AND (newsworthy IS NULL OR newsworthy = 0)
		  AND id NOT IN (SELECT activity_id FROM post_activities)
	`, ts(t))
	if err != nil {
		return 0, errors.WrapStoreUnavailable(err, "delete old activities")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WrapStoreUnavailable(err, "delete old activities")
	}
	return deleted, nil
}

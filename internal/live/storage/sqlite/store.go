// Package sqlite provides the sqlite-backed durable store of the live engine.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/uzh-bf/klicker-live/internal/live/domain"
	"github.com/uzh-bf/klicker-live/internal/live/storage"
	"github.com/uzh-bf/klicker-live/internal/live/storage/sqlite/migrations"
	sqlitemigrate "github.com/uzh-bf/klicker-live/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store persists session aggregates and running-session pointers in sqlite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the live sqlite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the sqlite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type responseJSON struct {
	Choices []int    `json:"choices,omitempty"`
	Text    string   `json:"text,omitempty"`
	Value   *float64 `json:"value,omitempty"`
}

type freeBucketJSON struct {
	Count int    `json:"count"`
	Value string `json:"value"`
}

type resultsJSON struct {
	Choices           []int                     `json:"choices,omitempty"`
	Free              map[string]freeBucketJSON `json:"free,omitempty"`
	TotalParticipants int                       `json:"totalParticipants"`
}

// PutSession flushes the whole session aggregate in one transaction.
// Embedded rows are replaced wholesale; the engine has a single logical
// writer per session, so the replace cannot race another writer.
func (s *Store) PutSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions (
	id, owner_id, name, status,
	active_block, active_step, execution,
	confusion_active, feedback_active, feedback_public, evaluation_public,
	started_at, finished_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	owner_id = excluded.owner_id,
	name = excluded.name,
	status = excluded.status,
	active_block = excluded.active_block,
	active_step = excluded.active_step,
	execution = excluded.execution,
	confusion_active = excluded.confusion_active,
	feedback_active = excluded.feedback_active,
	feedback_public = excluded.feedback_public,
	evaluation_public = excluded.evaluation_public,
	started_at = excluded.started_at,
	finished_at = excluded.finished_at,
	updated_at = excluded.updated_at
`,
		session.ID,
		session.OwnerID,
		session.Name,
		session.Status.String(),
		session.ActiveBlock,
		session.ActiveStep,
		session.Execution,
		boolToInt(session.Settings.IsConfusionBarometerActive),
		boolToInt(session.Settings.IsFeedbackChannelActive),
		boolToInt(session.Settings.IsFeedbackChannelPublic),
		boolToInt(session.Settings.IsEvaluationPublic),
		nullableTime(session.StartedAt),
		nullableTime(session.FinishedAt),
		session.CreatedAt.UTC().UnixMilli(),
		session.UpdatedAt.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, table := range []string{"question_instances", "question_blocks", "session_feedbacks", "session_confusion"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE session_id = ?", session.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for position, block := range session.Blocks {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO question_blocks (id, session_id, position, status, time_limit, expires_at, activated_at, execution)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
			block.ID,
			session.ID,
			position,
			block.Status.String(),
			block.TimeLimit,
			nullableTime(block.ExpiresAt),
			nullableTime(block.ActivatedAt),
			block.Execution,
		); err != nil {
			return fmt.Errorf("insert block %s: %w", block.ID, err)
		}

		for instancePosition, instance := range block.Instances {
			responsesValue, err := marshalResponses(instance.Responses)
			if err != nil {
				return fmt.Errorf("marshal responses for %s: %w", instance.ID, err)
			}
			resultsValue, err := marshalResults(instance.Results)
			if err != nil {
				return fmt.Errorf("marshal results for %s: %w", instance.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO question_instances (
	id, block_id, session_id, position,
	question_id, version, kind, choice_count, min_value, max_value,
	is_open, responses, results
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
				instance.ID,
				block.ID,
				session.ID,
				instancePosition,
				instance.QuestionID,
				instance.Version,
				instance.Kind.String(),
				instance.ChoiceCount,
				nullableFloat(instance.Min),
				nullableFloat(instance.Max),
				boolToInt(instance.IsOpen),
				responsesValue,
				resultsValue,
			); err != nil {
				return fmt.Errorf("insert instance %s: %w", instance.ID, err)
			}
		}
	}

	for _, feedback := range session.Feedbacks {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO session_feedbacks (id, session_id, content, votes, created_at)
VALUES (?, ?, ?, ?, ?)
`,
			feedback.ID,
			session.ID,
			feedback.Content,
			feedback.Votes,
			feedback.CreatedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert feedback %s: %w", feedback.ID, err)
		}
	}

	for _, confusion := range session.ConfusionTS {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO session_confusion (session_id, difficulty, speed, created_at)
VALUES (?, ?, ?, ?)
`,
			session.ID,
			confusion.Difficulty,
			confusion.Speed,
			confusion.CreatedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert confusion reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put session: %w", err)
	}
	return nil
}

// GetSession loads one full session aggregate.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Session{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, owner_id, name, status,
	active_block, active_step, execution,
	confusion_active, feedback_active, feedback_public, evaluation_public,
	started_at, finished_at, created_at, updated_at
FROM sessions WHERE id = ?
`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}

	if err := s.loadAggregate(ctx, &session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// GetSessionByInstance resolves the session that owns an instance.
func (s *Store) GetSessionByInstance(ctx context.Context, instanceID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Session{}, fmt.Errorf("storage is not configured")
	}

	var sessionID string
	row := s.sqlDB.QueryRowContext(ctx, "SELECT session_id FROM question_instances WHERE id = ?", instanceID)
	if err := row.Scan(&sessionID); err != nil {
		if err == sql.ErrNoRows {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("resolve instance session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

// ListSessionsByOwner returns the owner's sessions, oldest first.
func (s *Store) ListSessionsByOwner(ctx context.Context, ownerID string) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, owner_id, name, status,
	active_block, active_step, execution,
	confusion_active, feedback_active, feedback_public, evaluation_public,
	started_at, finished_at, created_at, updated_at
FROM sessions WHERE owner_id = ? ORDER BY created_at ASC, id ASC
`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	for i := range sessions {
		if err := s.loadAggregate(ctx, &sessions[i]); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// DeleteSessions removes the given sessions of one owner. Embedded rows
// cascade; running-session pointers to deleted sessions are cleared.
func (s *Store) DeleteSessions(ctx context.Context, ownerID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete sessions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, sessionID := range ids {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM sessions WHERE id = ? AND owner_id = ?", sessionID, ownerID); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM running_sessions WHERE owner_id = ? AND session_id = ?", ownerID, sessionID); err != nil {
			return fmt.Errorf("clear running pointer for %s: %w", sessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete sessions: %w", err)
	}
	return nil
}

// SetRunningSession points the owner at their single running session.
func (s *Store) SetRunningSession(ctx context.Context, ownerID, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO running_sessions (owner_id, session_id) VALUES (?, ?)
ON CONFLICT (owner_id) DO UPDATE SET session_id = excluded.session_id
`, ownerID, sessionID)
	if err != nil {
		return fmt.Errorf("set running session: %w", err)
	}
	return nil
}

// ClearRunningSession removes the owner's running-session pointer.
func (s *Store) ClearRunningSession(ctx context.Context, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM running_sessions WHERE owner_id = ?", ownerID); err != nil {
		return fmt.Errorf("clear running session: %w", err)
	}
	return nil
}

// GetRunningSession returns the owner's running session id.
func (s *Store) GetRunningSession(ctx context.Context, ownerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}

	var sessionID string
	row := s.sqlDB.QueryRowContext(ctx, "SELECT session_id FROM running_sessions WHERE owner_id = ?", ownerID)
	if err := row.Scan(&sessionID); err != nil {
		if err == sql.ErrNoRows {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get running session: %w", err)
	}
	return sessionID, nil
}

// ListRunningSessions returns every running-session pointer keyed by owner.
func (s *Store) ListRunningSessions(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT owner_id, session_id FROM running_sessions")
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	defer rows.Close()

	running := make(map[string]string)
	for rows.Next() {
		var ownerID, sessionID string
		if err := rows.Scan(&ownerID, &sessionID); err != nil {
			return nil, fmt.Errorf("scan running session: %w", err)
		}
		running[ownerID] = sessionID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running sessions: %w", err)
	}
	return running, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		session                                 domain.Session
		statusValue                             string
		confusion, feedback, public, evaluation int
		startedAt, finishedAt                   sql.NullInt64
		createdAt, updatedAt                    int64
	)
	if err := row.Scan(
		&session.ID,
		&session.OwnerID,
		&session.Name,
		&statusValue,
		&session.ActiveBlock,
		&session.ActiveStep,
		&session.Execution,
		&confusion,
		&feedback,
		&public,
		&evaluation,
		&startedAt,
		&finishedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Session{}, err
	}

	status, err := domain.ParseSessionStatus(statusValue)
	if err != nil {
		return domain.Session{}, err
	}
	session.Status = status
	session.Settings = domain.Settings{
		IsConfusionBarometerActive: confusion != 0,
		IsFeedbackChannelActive:    feedback != 0,
		IsFeedbackChannelPublic:    public != 0,
		IsEvaluationPublic:         evaluation != 0,
	}
	session.StartedAt = timeFromNullable(startedAt)
	session.FinishedAt = timeFromNullable(finishedAt)
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	session.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return session, nil
}

func (s *Store) loadAggregate(ctx context.Context, session *domain.Session) error {
	blocks, err := s.loadBlocks(ctx, session.ID)
	if err != nil {
		return err
	}
	session.Blocks = blocks

	feedbacks, err := s.loadFeedbacks(ctx, session.ID)
	if err != nil {
		return err
	}
	session.Feedbacks = feedbacks

	confusion, err := s.loadConfusion(ctx, session.ID)
	if err != nil {
		return err
	}
	session.ConfusionTS = confusion
	return nil
}

func (s *Store) loadBlocks(ctx context.Context, sessionID string) ([]domain.QuestionBlock, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, status, time_limit, expires_at, activated_at, execution
FROM question_blocks WHERE session_id = ? ORDER BY position ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	defer rows.Close()

	var blocks []domain.QuestionBlock
	for rows.Next() {
		var (
			block                  domain.QuestionBlock
			statusValue            string
			expiresAt, activatedAt sql.NullInt64
		)
		if err := rows.Scan(&block.ID, &statusValue, &block.TimeLimit, &expiresAt, &activatedAt, &block.Execution); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		status, err := domain.ParseBlockStatus(statusValue)
		if err != nil {
			return nil, err
		}
		block.Status = status
		block.ExpiresAt = timeFromNullable(expiresAt)
		block.ActivatedAt = timeFromNullable(activatedAt)
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}

	for i := range blocks {
		instances, err := s.loadInstances(ctx, blocks[i].ID)
		if err != nil {
			return nil, err
		}
		blocks[i].Instances = instances
	}
	return blocks, nil
}

func (s *Store) loadInstances(ctx context.Context, blockID string) ([]domain.QuestionInstance, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, question_id, version, kind, choice_count, min_value, max_value, is_open, responses, results
FROM question_instances WHERE block_id = ? ORDER BY position ASC
`, blockID)
	if err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	defer rows.Close()

	var instances []domain.QuestionInstance
	for rows.Next() {
		var (
			instance           domain.QuestionInstance
			kindValue          string
			minValue, maxValue sql.NullFloat64
			isOpen             int
			responses, results sql.NullString
		)
		if err := rows.Scan(
			&instance.ID,
			&instance.QuestionID,
			&instance.Version,
			&kindValue,
			&instance.ChoiceCount,
			&minValue,
			&maxValue,
			&isOpen,
			&responses,
			&results,
		); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		kind, err := domain.ParseQuestionKind(kindValue)
		if err != nil {
			return nil, err
		}
		instance.Kind = kind
		instance.Min = floatFromNullable(minValue)
		instance.Max = floatFromNullable(maxValue)
		instance.IsOpen = isOpen != 0
		if instance.Responses, err = unmarshalResponses(responses); err != nil {
			return nil, fmt.Errorf("unmarshal responses for %s: %w", instance.ID, err)
		}
		if instance.Results, err = unmarshalResults(results); err != nil {
			return nil, fmt.Errorf("unmarshal results for %s: %w", instance.ID, err)
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return instances, nil
}

func (s *Store) loadFeedbacks(ctx context.Context, sessionID string) ([]domain.Feedback, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, content, votes, created_at
FROM session_feedbacks WHERE session_id = ? ORDER BY created_at ASC, id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load feedbacks: %w", err)
	}
	defer rows.Close()

	var feedbacks []domain.Feedback
	for rows.Next() {
		var (
			feedback  domain.Feedback
			createdAt int64
		)
		if err := rows.Scan(&feedback.ID, &feedback.Content, &feedback.Votes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		feedback.CreatedAt = time.UnixMilli(createdAt).UTC()
		feedbacks = append(feedbacks, feedback)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedbacks: %w", err)
	}
	return feedbacks, nil
}

func (s *Store) loadConfusion(ctx context.Context, sessionID string) ([]domain.ConfusionTimeStep, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT difficulty, speed, created_at
FROM session_confusion WHERE session_id = ? ORDER BY created_at ASC, id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load confusion readings: %w", err)
	}
	defer rows.Close()

	var readings []domain.ConfusionTimeStep
	for rows.Next() {
		var (
			reading   domain.ConfusionTimeStep
			createdAt int64
		)
		if err := rows.Scan(&reading.Difficulty, &reading.Speed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan confusion reading: %w", err)
		}
		reading.CreatedAt = time.UnixMilli(createdAt).UTC()
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate confusion readings: %w", err)
	}
	return readings, nil
}

func marshalResponses(responses []domain.Response) (any, error) {
	if len(responses) == 0 {
		return nil, nil
	}
	payload := make([]responseJSON, 0, len(responses))
	for _, response := range responses {
		payload = append(payload, responseJSON(response))
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func unmarshalResponses(value sql.NullString) ([]domain.Response, error) {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return nil, nil
	}
	var payload []responseJSON
	if err := json.Unmarshal([]byte(value.String), &payload); err != nil {
		return nil, err
	}
	responses := make([]domain.Response, 0, len(payload))
	for _, item := range payload {
		responses = append(responses, domain.Response(item))
	}
	return responses, nil
}

func marshalResults(results *domain.Results) (any, error) {
	if results == nil {
		return nil, nil
	}
	payload := resultsJSON{
		Choices:           results.Choices,
		TotalParticipants: results.TotalParticipants,
	}
	if len(results.Free) > 0 {
		payload.Free = make(map[string]freeBucketJSON, len(results.Free))
		for key, bucket := range results.Free {
			payload.Free[key] = freeBucketJSON(bucket)
		}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func unmarshalResults(value sql.NullString) (*domain.Results, error) {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return nil, nil
	}
	var payload resultsJSON
	if err := json.Unmarshal([]byte(value.String), &payload); err != nil {
		return nil, err
	}
	results := &domain.Results{
		Choices:           payload.Choices,
		TotalParticipants: payload.TotalParticipants,
	}
	if len(payload.Free) > 0 {
		results.Free = make(map[string]domain.FreeBucket, len(payload.Free))
		for key, bucket := range payload.Free {
			results.Free[key] = domain.FreeBucket(bucket)
		}
	}
	return results, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().UnixMilli()
}

func timeFromNullable(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := time.UnixMilli(value.Int64).UTC()
	return &t
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func floatFromNullable(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	v := value.Float64
	return &v
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.RunningSessionStore = (*Store)(nil)

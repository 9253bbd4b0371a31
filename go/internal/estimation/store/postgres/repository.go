package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store"
	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/mcdev12/planningpoker/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

const (
	uniqueViolation        = "23505"
	activeRoomCodeIndex    = "idx_sessions_active_room_code"
	sessionConnectionIndex = "idx_participants_session_connection"
	sessionColumns         = "id, room_code, estimation_unit, revealed, active, revision, creator_assigned, created_at, last_activity"
	participantColumns     = "id, session_id, display_name, connection_id, creator, spectator, joined_at"
	participantOrderClause = "ORDER BY joined_at, join_seq"
)

// Repository implements store.Store on a pgx connection pool
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Postgres-backed session store
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
	}
}

var _ store.Store = (*Repository)(nil)

// Migrate applies the embedded schema. It is idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Msg("session schema applied")
	return nil
}

// WithinTx runs fn inside one database transaction
func (r *Repository) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&queries{tx: tx})
	})
}

type queries struct {
	tx pgx.Tx
}

func (q *queries) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := q.tx.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		session.ID, session.RoomCode, session.EstimationUnit, session.Revealed, session.Active,
		session.Revision, session.CreatorAssigned, session.CreatedAt, session.LastActivity,
	)
	if err != nil {
		if isUniqueViolation(err, activeRoomCodeIndex) {
			return store.ErrRoomCodeTaken
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (q *queries) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := q.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (q *queries) GetActiveSession(ctx context.Context, roomCode string) (*models.Session, error) {
	// FOR UPDATE keeps a second process from interleaving on the same row.
	row := q.tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE room_code = $1 AND active FOR UPDATE`,
		roomCode,
	)
	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return session, nil
}

func (q *queries) UpdateSession(ctx context.Context, session *models.Session) error {
	tag, err := q.tx.Exec(ctx, `
		UPDATE sessions
		SET estimation_unit = $2,
		    revealed = $3,
		    active = $4,
		    revision = $5,
		    creator_assigned = $6,
		    last_activity = $7
		WHERE id = $1`,
		session.ID, session.EstimationUnit, session.Revealed, session.Active,
		session.Revision, session.CreatorAssigned, session.LastActivity,
	)
	if err != nil {
		if isUniqueViolation(err, activeRoomCodeIndex) {
			return store.ErrRoomCodeTaken
		}
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) ListIdleSessions(ctx context.Context, before time.Time) ([]models.Session, error) {
	rows, err := q.tx.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE active AND last_activity < $1 ORDER BY last_activity`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan idle session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (q *queries) CreateParticipant(ctx context.Context, participant *models.Participant) error {
	_, err := q.tx.Exec(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		participant.ID, participant.SessionID, participant.DisplayName, participant.ConnectionID,
		participant.Creator, participant.Spectator, participant.JoinedAt,
	)
	if err != nil {
		if isUniqueViolation(err, sessionConnectionIndex) {
			return store.ErrConnectionTaken
		}
		return fmt.Errorf("failed to create participant: %w", err)
	}
	return nil
}

func (q *queries) GetParticipant(ctx context.Context, id uuid.UUID) (*models.Participant, error) {
	row := q.tx.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	participant, err := scanParticipant(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return participant, nil
}

func (q *queries) FindParticipantByConnection(ctx context.Context, sessionID uuid.UUID, connectionID string) (*models.Participant, error) {
	row := q.tx.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = $1 AND connection_id = $2`,
		sessionID, connectionID,
	)
	participant, err := scanParticipant(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find participant by connection: %w", err)
	}
	return participant, nil
}

func (q *queries) ListParticipantsByConnection(ctx context.Context, connectionID string) ([]models.Participant, error) {
	return q.listParticipants(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE connection_id = $1 `+participantOrderClause,
		connectionID,
	)
}

func (q *queries) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	return q.listParticipants(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = $1 `+participantOrderClause,
		sessionID,
	)
}

func (q *queries) listParticipants(ctx context.Context, sql string, arg any) ([]models.Participant, error) {
	rows, err := q.tx.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, *participant)
	}
	return participants, rows.Err()
}

func (q *queries) UpdateParticipantConnection(ctx context.Context, id uuid.UUID, connectionID string) error {
	tag, err := q.tx.Exec(ctx, `UPDATE participants SET connection_id = $2 WHERE id = $1`, id, connectionID)
	if err != nil {
		if isUniqueViolation(err, sessionConnectionIndex) {
			return store.ErrConnectionTaken
		}
		return fmt.Errorf("failed to update participant connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) DeleteParticipant(ctx context.Context, id uuid.UUID) error {
	// Votes go with the participant through ON DELETE CASCADE.
	tag, err := q.tx.Exec(ctx, `DELETE FROM participants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) DeleteParticipants(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := q.tx.Exec(ctx, `DELETE FROM participants WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete participants: %w", err)
	}
	return nil
}

func (q *queries) UpsertVote(ctx context.Context, vote *models.Vote) error {
	err := q.tx.QueryRow(ctx, `
		INSERT INTO votes (id, session_id, participant_id, estimate_value, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, participant_id)
		DO UPDATE SET estimate_value = EXCLUDED.estimate_value,
		              submitted_at = EXCLUDED.submitted_at
		RETURNING id`,
		vote.ID, vote.SessionID, vote.ParticipantID, vote.EstimateValue, vote.SubmittedAt,
	).Scan(&vote.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert vote: %w", err)
	}
	return nil
}

func (q *queries) ListVotes(ctx context.Context, sessionID uuid.UUID) ([]models.Vote, error) {
	rows, err := q.tx.Query(ctx, `
		SELECT id, session_id, participant_id, estimate_value, submitted_at
		FROM votes
		WHERE session_id = $1
		ORDER BY submitted_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var votes []models.Vote
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.ID, &v.SessionID, &v.ParticipantID, &v.EstimateValue, &v.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (q *queries) DeleteVotes(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := q.tx.Exec(ctx, `DELETE FROM votes WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete votes: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.RoomCode, &s.EstimationUnit, &s.Revealed, &s.Active,
		&s.Revision, &s.CreatorAssigned, &s.CreatedAt, &s.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(&p.ID, &p.SessionID, &p.DisplayName, &p.ConnectionID, &p.Creator, &p.Spectator, &p.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func isUniqueViolation(err error, index string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == index
}

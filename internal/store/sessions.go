package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionSelect = `
	SELECT session_id, user_id, client_id, status, issued_at, expires_at, hmac_signature
	FROM user_sessions`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess UserSession) (UserSession, error) {
	if sess.SessionID == "" {
		sess.SessionID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_sessions (session_id, user_id, client_id, status, issued_at, expires_at, hmac_signature)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, nullableString(sess.ClientID), string(sess.Status),
		sess.IssuedAt.Format(time.RFC3339Nano), sess.ExpiresAt.Format(time.RFC3339Nano), sess.HMACSignature)
	if err != nil {
		return UserSession{}, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (UserSession, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (UserSession, error) {
	var sess UserSession
	var clientID sql.NullString
	var status, issued, expires string
	err := row.Scan(&sess.SessionID, &sess.UserID, &clientID, &status, &issued, &expires, &sess.HMACSignature)
	if errors.Is(err, sql.ErrNoRows) {
		return UserSession{}, ErrNotFound
	}
	if err != nil {
		return UserSession{}, fmt.Errorf("scanning session: %w", err)
	}
	sess.ClientID = clientID.String
	sess.Status = SessionStatus(status)
	sess.IssuedAt, _ = time.Parse(time.RFC3339Nano, issued)
	sess.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	return sess, nil
}

// RotateSessionID replaces a session's ID in place, used on privilege
// elevation (the Open Question decision recorded in DESIGN.md: a session
// gets a fresh ID when its effective rights change, rather than trusting
// the old token to carry the new privileges).
func (s *Store) RotateSessionID(ctx context.Context, oldSessionID, newSessionID, newHMAC string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE user_sessions SET session_id = ?, hmac_signature = ? WHERE session_id = ?`,
		newSessionID, newHMAC, oldSessionID)
	if err != nil {
		return fmt.Errorf("rotating session id: %w", err)
	}
	return checkRowsAffected(res)
}

// UpdateSessionStatus transitions a session's lifecycle status (e.g. idle,
// spinning_down, expired).
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE user_sessions SET status = ? WHERE session_id = ?`, string(status), sessionID)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteExpiredSessions sweeps every session whose expires_at has passed,
// returning the count removed. Called periodically by the key/session
// manager's reaper loop.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE expires_at < ?`, now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListSessionsByUser returns all sessions belonging to a user, e.g. to
// invalidate them all on password change.
func (s *Store) ListSessionsByUser(ctx context.Context, userID string) ([]UserSession, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelect+` WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []UserSession
	for rows.Next() {
		var sess UserSession
		var clientID sql.NullString
		var status, issued, expires string
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &clientID, &status, &issued, &expires, &sess.HMACSignature); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sess.ClientID = clientID.String
		sess.Status = SessionStatus(status)
		sess.IssuedAt, _ = time.Parse(time.RFC3339Nano, issued)
		sess.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a single session, e.g. on explicit logout.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkRowsAffected(res)
}

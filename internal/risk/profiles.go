package risk

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// MemoryProfiles is an in-memory ProfileProvider for tests and dev mode.
type MemoryProfiles struct {
	mu      sync.RWMutex
	devices map[string][]string
	face    map[string]bool
}

// NewMemoryProfiles creates an empty in-memory profile store.
func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{
		devices: make(map[string][]string),
		face:    make(map[string]bool),
	}
}

// EnrollFace marks the user as enrolled for face verification.
func (m *MemoryProfiles) EnrollFace(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.face[userID] = true
	return nil
}

// FaceEnrolled reports whether the user can answer a FACE_VERIFY challenge.
func (m *MemoryProfiles) FaceEnrolled(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.face[userID], nil
}

// RegisterDevice records a fingerprint as known for the user.
func (m *MemoryProfiles) RegisterDevice(_ context.Context, userID, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fp := range m.devices[userID] {
		if fp == fingerprint {
			return nil
		}
	}
	m.devices[userID] = append(m.devices[userID], fingerprint)
	return nil
}

// KnownDevices returns the user's registered fingerprints.
func (m *MemoryProfiles) KnownDevices(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.devices[userID]))
	copy(out, m.devices[userID])
	return out, nil
}

// PostgresProfiles reads known devices from the user_devices table.
type PostgresProfiles struct {
	db *sql.DB
}

// NewPostgresProfiles creates a Postgres-backed profile store.
func NewPostgresProfiles(db *sql.DB) *PostgresProfiles {
	return &PostgresProfiles{db: db}
}

func (p *PostgresProfiles) RegisterDevice(ctx context.Context, userID, fingerprint string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_devices (user_id, fingerprint, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, fingerprint) DO NOTHING`,
		userID, fingerprint, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

// EnrollFace records face-verification enrollment for the user.
func (p *PostgresProfiles) EnrollFace(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_biometrics (user_id, face_enrolled, enrolled_at)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (user_id) DO UPDATE SET face_enrolled = TRUE, enrolled_at = $2`,
		userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("enroll face: %w", err)
	}
	return nil
}

// FaceEnrolled reports whether the user can answer a FACE_VERIFY challenge.
func (p *PostgresProfiles) FaceEnrolled(ctx context.Context, userID string) (bool, error) {
	var enrolled bool
	err := p.db.QueryRowContext(ctx,
		`SELECT face_enrolled FROM user_biometrics WHERE user_id = $1`, userID).Scan(&enrolled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query biometrics: %w", err)
	}
	return enrolled, nil
}

func (p *PostgresProfiles) KnownDevices(ctx context.Context, userID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT fingerprint FROM user_devices WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

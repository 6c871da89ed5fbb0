package mfa

import (
	"context"
	"sync"
)

// InMemory keeps enrollments, backup codes and the challenge log in process
// memory. Useful for tests and local runs without Postgres.
type InMemory struct {
	mu          sync.Mutex
	enrollments map[string]Enrollment
	codes       map[string][]BackupCode
	challenges  []Challenge
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		enrollments: make(map[string]Enrollment),
		codes:       make(map[string][]BackupCode),
	}
}

func (m *InMemory) ReplaceEnrollment(_ context.Context, e *Enrollment, codes []BackupCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[e.UserID] = *e
	replaced := make([]BackupCode, len(codes))
	copy(replaced, codes)
	m.codes[e.UserID] = replaced
	return nil
}

func (m *InMemory) Enrollment(_ context.Context, userID string) (*Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[userID]
	if !ok {
		return nil, ErrNotEnrolled
	}
	out := e
	return &out, nil
}

func (m *InMemory) Activate(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[userID]
	if !ok {
		return ErrNotEnrolled
	}
	e.Activated = true
	m.enrollments[userID] = e
	return nil
}

func (m *InMemory) DeleteEnrollment(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enrollments[userID]; !ok {
		return ErrNotEnrolled
	}
	delete(m.enrollments, userID)
	delete(m.codes, userID)
	return nil
}

func (m *InMemory) BackupCodes(_ context.Context, userID string) ([]BackupCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BackupCode, len(m.codes[userID]))
	copy(out, m.codes[userID])
	return out, nil
}

// ConsumeBackupCode flips the consumed flag under the store lock; only the
// first caller for a given code succeeds.
func (m *InMemory) ConsumeBackupCode(_ context.Context, userID, codeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := m.codes[userID]
	for i := range codes {
		if codes[i].ID != codeID {
			continue
		}
		if codes[i].Consumed {
			return false, nil
		}
		codes[i].Consumed = true
		return true, nil
	}
	return false, nil
}

func (m *InMemory) RecordChallenge(_ context.Context, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges = append(m.challenges, *c)
	return nil
}

// Challenges returns a copy of the challenge log, oldest first.
func (m *InMemory) Challenges() []Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Challenge, len(m.challenges))
	copy(out, m.challenges)
	return out
}

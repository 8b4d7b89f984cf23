package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
)

// MemoryStore keeps sessions and profiles in process memory. It implements
// both repository.SessionRepository and repository.ProfileRepository with
// the same atomicity as the DynamoDB implementations.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entity.UploadSession
	profiles map[string]*entity.Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*entity.UploadSession),
		profiles: make(map[string]*entity.Profile),
	}
}

// Sessions returns the session repository view of the store.
func (m *MemoryStore) Sessions() *MemorySessions { return (*MemorySessions)(m) }

// Profiles returns the profile repository view of the store.
func (m *MemoryStore) Profiles() *MemoryProfiles { return (*MemoryProfiles)(m) }

type MemorySessions MemoryStore

func (m *MemorySessions) Create(ctx context.Context, s *entity.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.UploadID]; ok {
		return apperr.Conflict("upload session %s already exists", s.UploadID)
	}
	cp := *s
	m.sessions[s.UploadID] = &cp
	return nil
}

func (m *MemorySessions) GetByID(ctx context.Context, uploadID string) (*entity.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uploadID]
	if !ok {
		return nil, apperr.NotFound("upload session %s does not exist", uploadID)
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySessions) MarkUploading(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uploadID]
	if !ok {
		return apperr.NotFound("upload session %s does not exist", uploadID)
	}
	if s.Status.Terminal() {
		return apperr.Conflict("upload session %s is %s", uploadID, s.Status)
	}
	s.Status = entity.StatusUploading
	return nil
}

func (m *MemorySessions) Complete(ctx context.Context, s *entity.UploadSession, obj *entity.CompletedObject, chargeQuota bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.UploadID]
	if !ok {
		return apperr.NotFound("upload session %s does not exist", s.UploadID)
	}
	if stored.Status.Terminal() {
		return apperr.Conflict("upload session %s is %s", s.UploadID, stored.Status)
	}
	if chargeQuota {
		p, ok := m.profiles[stored.OwnerID]
		if !ok {
			p = &entity.Profile{OwnerID: stored.OwnerID, Role: entity.RoleUser}
			m.profiles[stored.OwnerID] = p
		}
		p.StorageUsed += stored.FileSize
	}
	stored.MarkCompleted(obj, at)
	return nil
}

func (m *MemorySessions) Abort(ctx context.Context, uploadID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uploadID]
	if !ok {
		return apperr.NotFound("upload session %s does not exist", uploadID)
	}
	if s.Status.Terminal() {
		return apperr.Conflict("upload session %s is %s", uploadID, s.Status)
	}
	s.MarkAborted(at)
	return nil
}

func (m *MemorySessions) ListStale(ctx context.Context, before time.Time) ([]*entity.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*entity.UploadSession
	for _, s := range m.sessions {
		if !s.Status.Terminal() && s.CreatedAt.Before(before) {
			cp := *s
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

type MemoryProfiles MemoryStore

func (m *MemoryProfiles) GetByID(ctx context.Context, ownerID string) (*entity.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[ownerID]
	if !ok {
		return nil, apperr.NotFound("profile %s does not exist", ownerID)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryProfiles) Save(ctx context.Context, p *entity.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.OwnerID] = &cp
	return nil
}

func (m *MemoryProfiles) AddStorageUsed(ctx context.Context, ownerID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[ownerID]
	if !ok {
		return apperr.NotFound("profile %s does not exist", ownerID)
	}
	p.StorageUsed += delta
	return nil
}

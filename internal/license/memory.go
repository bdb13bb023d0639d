package license

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used for development mode and tests.
// Per-key serialization is a per-key mutex spanning the whole WithKeyTx
// callback, giving the same check-and-insert atomicity the Postgres store
// gets from its advisory transaction lock.
type MemoryStore struct {
	mu          sync.RWMutex
	keyLocks    map[string]*sync.Mutex
	activations map[string]map[string]Activation
	revocations map[string]RevocationRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keyLocks:    make(map[string]*sync.Mutex),
		activations: make(map[string]map[string]Activation),
		revocations: make(map[string]RevocationRecord),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) keyLock(licenseKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.keyLocks[licenseKey]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[licenseKey] = lock
	}
	return lock
}

// WithKeyTx serializes fn against all other transactions for the same key.
// Mutations are rolled back when fn returns an error.
func (s *MemoryStore) WithKeyTx(ctx context.Context, licenseKey string, fn func(StoreTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.keyLock(licenseKey)
	lock.Lock()
	defer lock.Unlock()

	// Snapshot for rollback.
	s.mu.RLock()
	var snapshot map[string]Activation
	if rows, ok := s.activations[licenseKey]; ok {
		snapshot = make(map[string]Activation, len(rows))
		for device, a := range rows {
			snapshot[device] = a
		}
	}
	rev, hadRev := s.revocations[licenseKey]
	s.mu.RUnlock()

	if err := fn(&memoryTx{store: s, licenseKey: licenseKey}); err != nil {
		s.mu.Lock()
		if snapshot == nil {
			delete(s.activations, licenseKey)
		} else {
			s.activations[licenseKey] = snapshot
		}
		if hadRev {
			s.revocations[licenseKey] = rev
		} else {
			delete(s.revocations, licenseKey)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) GetActivation(ctx context.Context, licenseKey, deviceID string) (*Activation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.activations[licenseKey][deviceID]; ok {
		copied := a
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListActivations(ctx context.Context, licenseKey string) ([]Activation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.activations[licenseKey]
	out := make([]Activation, 0, len(rows))
	for _, a := range rows {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) GetRevocation(ctx context.Context, licenseKey string) (*RevocationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.revocations[licenseKey]; ok {
		copied := rec
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStore) CountActive(ctx context.Context, licenseKey string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.activations[licenseKey] {
		if a.Status == StatusActive {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// memoryTx mutates the store directly; WithKeyTx restores the snapshot on error
type memoryTx struct {
	store      *MemoryStore
	licenseKey string
}

var _ StoreTx = (*memoryTx)(nil)

func (t *memoryTx) GetRevocation(licenseKey string) (*RevocationRecord, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if rec, ok := t.store.revocations[licenseKey]; ok {
		copied := rec
		return &copied, nil
	}
	return nil, nil
}

func (t *memoryTx) GetActivation(licenseKey, deviceID string) (*Activation, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if a, ok := t.store.activations[licenseKey][deviceID]; ok {
		copied := a
		return &copied, nil
	}
	return nil, nil
}

func (t *memoryTx) CountActiveExcluding(licenseKey, deviceID string) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	count := 0
	for device, a := range t.store.activations[licenseKey] {
		if device == deviceID {
			continue
		}
		if a.Status == StatusActive {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) UpsertActivation(a *Activation) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	rows, ok := t.store.activations[a.LicenseKey]
	if !ok {
		rows = make(map[string]Activation)
		t.store.activations[a.LicenseKey] = rows
	}
	rows[a.DeviceID] = *a
	return nil
}

func (t *memoryTx) InsertRevocation(rec *RevocationRecord) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.revocations[rec.LicenseKey] = *rec
	return nil
}

func (t *memoryTx) RevokeActive(licenseKey string, at time.Time) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	count := 0
	for device, a := range t.store.activations[licenseKey] {
		if a.Status != StatusActive {
			continue
		}
		a.Status = StatusRevoked
		a.LastVerifiedAt = at
		t.store.activations[licenseKey][device] = a
		count++
	}
	return count, nil
}

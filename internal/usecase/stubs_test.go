package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/example/blob-recognition/internal/callback"
	"github.com/example/blob-recognition/internal/domain"
)

// memoryRepository honours the compare-and-set contract of BlobRepository.
type memoryRepository struct {
	mu        sync.Mutex
	records   map[string]*domain.BlobRecord
	calls     *[]string
	createErr error
	getErr    error
	getCalls  int

	// updateErrs fail the next status writes in order, before updateErr.
	updateErrs []error
	updateErr  error
}

func newMemoryRepository(calls *[]string) *memoryRepository {
	return &memoryRepository{records: map[string]*domain.BlobRecord{}, calls: calls}
}

func (m *memoryRepository) record(call string) {
	if m.calls != nil {
		*m.calls = append(*m.calls, call)
	}
}

func (m *memoryRepository) Create(ctx context.Context, record *domain.BlobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create")
	if m.createErr != nil {
		return m.createErr
	}
	copied := *record
	m.records[record.BlobID] = &copied
	return nil
}

func (m *memoryRepository) UpdateStatus(ctx context.Context, blobID string, status domain.Status) error {
	return m.UpdateStatusFrom(ctx, blobID, status, status.Predecessors())
}

func (m *memoryRepository) UpdateStatusFrom(ctx context.Context, blobID string, status domain.Status, from []domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("update_status:" + status.String())
	if len(m.updateErrs) > 0 {
		err := m.updateErrs[0]
		m.updateErrs = m.updateErrs[1:]
		return err
	}
	if m.updateErr != nil {
		return m.updateErr
	}
	rec, ok := m.records[blobID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	for _, candidate := range status.Restrict(from) {
		if rec.Status == candidate {
			rec.Status = status
			return nil
		}
	}
	return domain.ErrStatusTransitionNotAccepted
}

func (m *memoryRepository) SaveLabels(ctx context.Context, blobID string, labels []domain.Label) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("save_labels")
	rec, ok := m.records[blobID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	rec.Labels = labels
	return nil
}

func (m *memoryRepository) Get(ctx context.Context, blobID string) (*domain.BlobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, ok := m.records[blobID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (m *memoryRepository) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[domain.Status]int64{}
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *memoryRepository) status(blobID string) domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[blobID]; ok {
		return rec.Status
	}
	return domain.StatusNotFound
}

func (m *memoryRepository) put(record domain.BlobRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.BlobID] = &record
}

type stubStore struct {
	calls    *[]string
	exists   bool
	err      error
	slotKeys []string
	slotTTL  time.Duration
}

func (s *stubStore) GenerateUploadSlot(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.calls != nil {
		*s.calls = append(*s.calls, "upload_slot")
	}
	s.slotKeys = append(s.slotKeys, key)
	s.slotTTL = ttl
	return "https://uploads.test/" + key, nil
}

func (s *stubStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.exists, s.err
}

type stubLauncher struct {
	calls    *[]string
	err      error
	launched []string
}

func (s *stubLauncher) Launch(ctx context.Context, workflow, blobID string) (string, error) {
	if s.calls != nil {
		*s.calls = append(*s.calls, "launch:"+workflow)
	}
	if s.err != nil {
		return "", s.err
	}
	id := domain.ExecutionID(workflow, blobID)
	s.launched = append(s.launched, id)
	return id, nil
}

type stubDetector struct {
	result *domain.RawDetection
	err    error
	keys   []string
}

func (s *stubDetector) DetectLabels(ctx context.Context, key string) (*domain.RawDetection, error) {
	s.keys = append(s.keys, key)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubInvoker struct {
	outcome callback.Outcome
	err     error
	urls    []string
	bodies  []any
}

func (s *stubInvoker) Invoke(ctx context.Context, url string, body any) (callback.Outcome, error) {
	s.urls = append(s.urls, url)
	s.bodies = append(s.bodies, body)
	return s.outcome, s.err
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []interface{}
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type transientError struct{}

func (transientError) Error() string   { return "transient" }
func (transientError) Timeout() bool   { return true }
func (transientError) Temporary() bool { return true }

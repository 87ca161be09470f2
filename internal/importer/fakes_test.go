package importer

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/mock"
	"product-import-service/internal/models"
)

// memStore is an in-memory ProductStore keyed by canonical SKU.
type memStore struct {
	mu            sync.Mutex
	byKey         map[string]*models.Product
	nextID        uint
	invalidations int
	failOnCreate  error
	createDelay   time.Duration
	transactions  int
	rollbacks     int
}

var errValueRejected = errors.New("value rejected by column constraint")

// checkColumns applies the constraints the products table enforces.
func checkColumns(sku, name string) error {
	for _, v := range []string{sku, name} {
		if !utf8.ValidString(v) {
			return errValueRejected
		}
	}
	if utf8.RuneCountInString(sku) > models.MaxSKULength || utf8.RuneCountInString(name) > models.MaxNameLength {
		return errValueRejected
	}
	return nil
}

func newMemStore() *memStore {
	return &memStore{byKey: make(map[string]*models.Product)}
}

func (s *memStore) FindBySKUKey(_ context.Context, key string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byKey[key]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) FindIDsBySKUKeys(_ context.Context, keys []string) (map[string]uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]uint, len(keys))
	for _, key := range keys {
		if p, ok := s.byKey[key]; ok {
			ids[key] = p.ID
		}
	}
	return ids, nil
}

// WithinTransaction snapshots the store and restores it when fn fails.
func (s *memStore) WithinTransaction(_ context.Context, fn func(tx ProductStore) error) error {
	s.mu.Lock()
	s.transactions++
	snapshot := make(map[string]models.Product, len(s.byKey))
	for k, p := range s.byKey {
		snapshot[k] = *p
	}
	nextID := s.nextID
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.rollbacks++
		s.byKey = make(map[string]*models.Product, len(snapshot))
		for k, p := range snapshot {
			p := p
			s.byKey[k] = &p
		}
		s.nextID = nextID
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) Create(_ context.Context, product *models.Product) error {
	if s.createDelay > 0 {
		time.Sleep(s.createDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOnCreate != nil {
		return s.failOnCreate
	}
	if err := checkColumns(product.SKU, product.Name); err != nil {
		return err
	}
	key := models.NormalizeSKU(product.SKU)
	if _, exists := s.byKey[key]; exists {
		return ErrDuplicateSKU
	}
	s.nextID++
	product.ID = s.nextID
	product.SKUKey = key
	cp := *product
	s.byKey[key] = &cp
	return nil
}

func (s *memStore) UpdateImportFields(_ context.Context, id uint, name string, description *string, price *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkColumns("", name); err != nil {
		return err
	}
	for _, p := range s.byKey {
		if p.ID == id {
			p.Name = name
			p.Description = description
			p.Price = price
			return nil
		}
	}
	return ErrProductNotFound
}

func (s *memStore) InvalidateListCaches(context.Context) {
	s.mu.Lock()
	s.invalidations++
	s.mu.Unlock()
}

func (s *memStore) get(sku string) *models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byKey[models.NormalizeSKU(sku)]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// MockProductStore is a mock implementation of ProductStore
type MockProductStore struct {
	mock.Mock
}

var _ ProductStore = (*MockProductStore)(nil)

func (m *MockProductStore) FindBySKUKey(ctx context.Context, key string) (*models.Product, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Product), args.Error(1)
}

func (m *MockProductStore) FindIDsBySKUKeys(ctx context.Context, keys []string) (map[string]uint, error) {
	args := m.Called(ctx, keys)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]uint), args.Error(1)
}

func (m *MockProductStore) WithinTransaction(ctx context.Context, fn func(tx ProductStore) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m)
}

func (m *MockProductStore) Create(ctx context.Context, product *models.Product) error {
	args := m.Called(ctx, product)
	return args.Error(0)
}

func (m *MockProductStore) UpdateImportFields(ctx context.Context, id uint, name string, description *string, price *float64) error {
	args := m.Called(ctx, id, name, description, price)
	return args.Error(0)
}

func (m *MockProductStore) InvalidateListCaches(ctx context.Context) {
	m.Called(ctx)
}

type recordedEvent struct {
	eventType models.EventType
	payload   map[string]interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Notify(_ context.Context, eventType models.EventType, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{eventType: eventType, payload: payload})
}

func (n *recordingNotifier) all() []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedEvent(nil), n.events...)
}

package apps

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/logging"
)

const (
	// KeyPrefix starts every issued credential
	KeyPrefix = "pgql_"
	keyBytes  = 24

	availableSample = 10
)

// Store holds applications in memory and persists every change
type Store struct {
	mu     sync.RWMutex
	apps   map[string]*Application
	byKey  map[string]string
	schema SchemaCache

	// version counts mutations; saved is the version last persisted
	version uint64
	saved   uint64

	persistMu sync.Mutex
	persister Persister
	cipher    *KeyCipher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithCipher encrypts credentials at rest
func WithCipher(c *KeyCipher) Option {
	return func(s *Store) { s.cipher = c }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// Open loads the persisted state. A nil persister keeps state in memory only.
func Open(ctx context.Context, persister Persister, opts ...Option) (*Store, error) {
	s := &Store{
		apps:      map[string]*Application{},
		byKey:     map[string]string{},
		persister: persister,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if persister == nil {
		return s, nil
	}

	data, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load apps: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode apps: %w", err)
	}
	for id, app := range snap.Apps {
		app := app
		app.ID = id
		app.APIKey = s.decryptKey(id, app.APIKey)
		if app.AllowedTables == nil {
			app.AllowedTables = []string{}
		}
		s.apps[id] = &app
		if app.APIKey != "" {
			s.byKey[app.APIKey] = id
		}
	}
	s.schema = snap.SchemaCache
	s.logger.Info("loaded apps", zap.Int("count", len(s.apps)))
	return s, nil
}

func (s *Store) decryptKey(id, key string) string {
	if !Encrypted(key) {
		return key
	}
	if s.cipher == nil {
		s.logger.Error("encrypted credential found but no encryption key configured", zap.String("app_id", id))
		return key
	}
	plain, err := s.cipher.Decrypt(key)
	if err != nil {
		s.logger.Error("failed to decrypt credential, keeping stored value", zap.String("app_id", id), zap.Error(err))
		return key
	}
	return plain
}

// Create registers a new application and returns it with its unmasked credential
func (s *Store) Create(ctx context.Context, p CreateParams) (Application, error) {
	id := NormalizeID(p.ID)
	if id == "" {
		return Application{}, ErrEmptyID
	}
	role := p.Role
	if role == "" {
		role = RoleRead
	}
	if !role.Valid() {
		return Application{}, ErrInvalidRole
	}

	key, err := generateKey()
	if err != nil {
		return Application{}, err
	}

	s.mu.Lock()
	if _, ok := s.apps[id]; ok {
		s.mu.Unlock()
		return Application{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	tables := cleanTables(p.AllowedTables)
	if err := s.validateTablesLocked(tables); err != nil {
		s.mu.Unlock()
		return Application{}, err
	}

	app := &Application{
		ID:            id,
		APIKey:        key,
		AllowedTables: tables,
		Role:          role,
		Description:   p.Description,
		CreatedAt:     s.now(),
		Active:        true,
	}
	s.apps[id] = app
	s.byKey[key] = id
	s.version++
	out := app.clone()
	s.mu.Unlock()

	s.logger.Info("created app", zap.String("app_id", id), zap.String("role", string(role)), zap.Strings("tables", tables))
	s.persist(ctx)
	return out, nil
}

// validateTablesLocked checks tables against the schema snapshot. Without a
// snapshot there is nothing to check against and every table is accepted.
func (s *Store) validateTablesLocked(tables []string) error {
	if len(tables) == 0 || len(s.schema.Tables) == 0 {
		return nil
	}
	known := make(map[string]bool, len(s.schema.Tables))
	for _, t := range s.schema.Tables {
		known[t] = true
	}

	var invalid []string
	for _, t := range tables {
		if !known[t] {
			invalid = append(invalid, t)
		}
	}
	if len(invalid) == 0 {
		return nil
	}

	sample := s.schema.Tables
	if len(sample) > availableSample {
		sample = sample[:availableSample]
	}
	return &InvalidTablesError{
		Invalid:   invalid,
		Available: append([]string(nil), sample...),
		More:      len(s.schema.Tables) > availableSample,
	}
}

// List returns every application with masked credentials, ordered by id
func (s *Store) List() []Application {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Application, 0, len(s.apps))
	for _, app := range s.apps {
		masked := app.clone()
		masked.APIKey = logging.MaskSecret(app.APIKey)
		out = append(out, masked)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one application with a masked credential
func (s *Store) Get(id string) (Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return Application{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	masked := app.clone()
	masked.APIKey = logging.MaskSecret(app.APIKey)
	return masked, nil
}

// Update applies the non-nil fields of p
func (s *Store) Update(ctx context.Context, id string, p UpdateParams) (Application, error) {
	if p.empty() {
		return Application{}, ErrNothingToUpdate
	}
	if p.Role != nil && !p.Role.Valid() {
		return Application{}, ErrInvalidRole
	}

	s.mu.Lock()
	app, ok := s.apps[id]
	if !ok {
		s.mu.Unlock()
		return Application{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var tables []string
	if p.AllowedTables != nil {
		tables = cleanTables(*p.AllowedTables)
		if err := s.validateTablesLocked(tables); err != nil {
			s.mu.Unlock()
			return Application{}, err
		}
	}

	if p.Description != nil {
		app.Description = *p.Description
	}
	if p.AllowedTables != nil {
		app.AllowedTables = tables
	}
	if p.Role != nil {
		app.Role = *p.Role
	}
	if p.Active != nil {
		app.Active = *p.Active
	}
	s.version++
	out := app.clone()
	out.APIKey = logging.MaskSecret(app.APIKey)
	s.mu.Unlock()

	s.logger.Info("updated app", zap.String("app_id", id))
	s.persist(ctx)
	return out, nil
}

// Delete removes an application
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	app, ok := s.apps[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.byKey, app.APIKey)
	delete(s.apps, id)
	s.version++
	s.mu.Unlock()

	s.logger.Info("deleted app", zap.String("app_id", id))
	s.persist(ctx)
	return nil
}

// RegenerateKey issues a new credential. The previous one stops resolving as
// soon as this returns.
func (s *Store) RegenerateKey(ctx context.Context, id string) (string, error) {
	key, err := generateKey()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	app, ok := s.apps[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.byKey, app.APIKey)
	app.APIKey = key
	s.byKey[key] = id
	s.version++
	s.mu.Unlock()

	s.logger.Info("regenerated credential", zap.String("app_id", id))
	s.persist(ctx)
	return key, nil
}

// Resolve finds the active application owning key
func (s *Store) Resolve(key string) (Application, bool) {
	if key == "" {
		return Application{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return Application{}, false
	}
	app := s.apps[id]
	if app == nil || !app.Active {
		return Application{}, false
	}
	return app.clone(), true
}

// CachedTables returns the schema snapshot
func (s *Store) CachedTables() SchemaCache {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := SchemaCache{Tables: append([]string{}, s.schema.Tables...)}
	if s.schema.LastLoaded != nil {
		t := *s.schema.LastLoaded
		out.LastLoaded = &t
	}
	return out
}

// UpdateSchemaCache replaces the schema snapshot with tables
func (s *Store) UpdateSchemaCache(ctx context.Context, tables []string) {
	sorted := append([]string{}, tables...)
	sort.Strings(sorted)
	now := s.now()

	s.mu.Lock()
	s.schema = SchemaCache{Tables: sorted, LastLoaded: &now}
	s.version++
	s.mu.Unlock()

	s.logger.Info("schema cache updated", zap.Int("tables", len(sorted)))
	s.persist(ctx)
}

// Dirty reports whether some change has not been persisted yet
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persister != nil && s.version != s.saved
}

// persist writes the current state, logging failures. The store stays dirty
// until a later persist succeeds.
func (s *Store) persist(ctx context.Context) {
	if err := s.save(ctx); err != nil {
		s.logger.Error("failed to persist apps", zap.Error(err))
	}
}

func (s *Store) save(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	version := s.version
	if version == s.saved {
		s.mu.RUnlock()
		return nil
	}
	data, err := s.encodeLocked()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := s.persister.Save(ctx, data); err != nil {
		return err
	}

	s.mu.Lock()
	if version > s.saved {
		s.saved = version
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) encodeLocked() ([]byte, error) {
	snap := Snapshot{
		Apps:        make(map[string]Application, len(s.apps)),
		SchemaCache: s.schema,
	}
	if snap.SchemaCache.Tables == nil {
		snap.SchemaCache.Tables = []string{}
	}
	for id, app := range s.apps {
		stored := app.clone()
		if s.cipher != nil {
			enc, err := s.cipher.Encrypt(app.APIKey)
			if err != nil {
				return nil, fmt.Errorf("encrypt credential for %s: %w", id, err)
			}
			stored.APIKey = enc
		}
		snap.Apps[id] = stored
	}
	return json.MarshalIndent(snap, "", "  ")
}

// Run retries persisting dirty state every interval until ctx is done
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.Dirty() {
				s.persist(ctx)
			}
		}
	}
}

// Flush persists pending changes and reports the outcome
func (s *Store) Flush(ctx context.Context) error {
	return s.save(ctx)
}

func generateKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

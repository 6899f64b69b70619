package apps

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kartoza/kartoza-pgql/internal/postgres"
)

// Persister stores the encoded store document. Load returns nil data when
// nothing has been saved yet.
type Persister interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// FilePersister keeps the document in a JSON file
type FilePersister struct {
	Path string
}

// NewFilePersister persists to path
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{Path: path}
}

// Load reads the file, treating a missing file as empty state
func (p *FilePersister) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Save writes to a temp file in the same directory and renames it into place
func (p *FilePersister) Save(ctx context.Context, data []byte) error {
	dir := filepath.Dir(p.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".apps-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p.Path)
}

// PostgresPersister keeps the document in a single-row JSONB table
type PostgresPersister struct {
	table *postgres.StateTable
}

// NewPostgresPersister connects using a pg_service.conf entry or a DSN and
// creates the state table when needed
func NewPostgresPersister(ctx context.Context, service, dsn, table string) (*PostgresPersister, error) {
	connStr, err := postgres.ResolveDSN(service, dsn)
	if err != nil {
		return nil, err
	}
	db, err := postgres.Open(ctx, connStr)
	if err != nil {
		return nil, err
	}
	st, err := postgres.NewStateTable(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := st.Ensure(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return &PostgresPersister{table: st}, nil
}

// Load reads the stored document
func (p *PostgresPersister) Load(ctx context.Context) ([]byte, error) {
	return p.table.Load(ctx)
}

// Save replaces the stored document
func (p *PostgresPersister) Save(ctx context.Context, data []byte) error {
	return p.table.Save(ctx, data)
}

// Close releases the connection pool
func (p *PostgresPersister) Close() error {
	return p.table.Close()
}

package repository

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/attachlink/attachlink/pkg/database"
)

var (
	// ErrStorageUnavailable is returned when a tenant schema the caller
	// depends on does not exist or cannot be opened.
	ErrStorageUnavailable = errors.New("attachment storage unavailable")

	// ErrDuplicateName is the distinguishable conflict signal for folder
	// create/rename. The naming resolver retries on exactly this error.
	ErrDuplicateName = errors.New("folder name already in use")

	ErrFolderNotFound   = errors.New("folder not found")
	ErrDocumentNotFound = errors.New("document not found")
)

// Tenant bundles one schema's folder and document stores.
type Tenant struct {
	Schema    string
	Folders   *FolderRepository
	Documents *DocumentRepository
}

// TenantRegistry lazily opens and caches the databases of every tenant schema
// under a base directory. One subdirectory is one tenant.
type TenantRegistry struct {
	basePath string

	mu      sync.Mutex
	tenants map[string]*Tenant
}

func NewTenantRegistry(basePath string) *TenantRegistry {
	return &TenantRegistry{
		basePath: basePath,
		tenants:  make(map[string]*Tenant),
	}
}

// Get returns the tenant's stores, opening them on first use.
func (r *TenantRegistry) Get(schema string) (*Tenant, error) {
	if err := validateSchemaName(schema); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tenants[schema]; ok {
		return t, nil
	}

	dir := r.basePath + string(os.PathSeparator) + schema
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: schema %q", ErrStorageUnavailable, schema)
	}

	folders, documents, err := database.OpenTenant(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: schema %q: %v", ErrStorageUnavailable, schema, err)
	}

	t := &Tenant{
		Schema:    schema,
		Folders:   NewFolderRepository(folders),
		Documents: NewDocumentRepository(documents),
	}
	r.tenants[schema] = t
	return t, nil
}

// Create makes a new tenant schema directory and opens its stores.
func (r *TenantRegistry) Create(schema string) (*Tenant, error) {
	if err := validateSchemaName(schema); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.basePath+string(os.PathSeparator)+schema, 0750); err != nil {
		return nil, fmt.Errorf("create tenant schema %q: %w", schema, err)
	}
	return r.Get(schema)
}

// List returns the names of all tenant schemas, sorted. The sweeper iterates
// this on every cycle so newly provisioned tenants are picked up without a
// restart.
func (r *TenantRegistry) List() ([]string, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}

	var schemas []string
	for _, e := range entries {
		if e.IsDir() {
			schemas = append(schemas, e.Name())
		}
	}
	sort.Strings(schemas)
	return schemas, nil
}

// Close closes every opened tenant database.
func (r *TenantRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, t := range r.tenants {
		if err := t.Documents.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := t.Folders.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.tenants = make(map[string]*Tenant)
	return firstErr
}

func validateSchemaName(schema string) error {
	if schema == "" || strings.ContainsAny(schema, `/\.`) {
		return fmt.Errorf("%w: invalid schema name %q", ErrStorageUnavailable, schema)
	}
	return nil
}

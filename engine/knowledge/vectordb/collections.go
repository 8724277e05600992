package vectordb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gosimple/slug"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

// Catalog persists the tenant to collection mapping.
type Catalog interface {
	// Collection returns knowledge.ErrUnknownTenant when tenant has no collection.
	Collection(ctx context.Context, tenant string) (string, error)
	// CollectionOwner returns "" when no tenant owns name.
	CollectionOwner(ctx context.Context, name string) (string, error)
	RegisterCollection(ctx context.Context, tenant, name string) error
	Tenants(ctx context.Context) ([]string, error)
}

// CollectionName derives the preferred collection name of a tenant.
func CollectionName(tenant string) string {
	s := strings.ReplaceAll(slug.Make(tenant), "-", "_")
	if s == "" {
		s = tenantHash(tenant)
	}
	return "user_" + s + "_documents"
}

// PhysicalName is the backend collection holding vectors of one model version.
func PhysicalName(collection string, version int64) string {
	return fmt.Sprintf("%s_v%d", collection, version)
}

func tenantHash(tenant string) string {
	sum := sha256.Sum256([]byte(tenant))
	return hex.EncodeToString(sum[:4])
}

// CollectionRegistry is the explicit tenant to collection mapping. Writers
// register tenants with Ensure; readers resolve them with Lookup, which never
// creates anything.
type CollectionRegistry struct {
	catalog Catalog
	mu      sync.Mutex
	cache   map[string]string
}

func NewCollectionRegistry(catalog Catalog) *CollectionRegistry {
	if catalog == nil {
		catalog = NewMemoryCatalog()
	}
	return &CollectionRegistry{catalog: catalog, cache: make(map[string]string)}
}

func validTenant(tenant string) error {
	if strings.TrimSpace(tenant) == "" {
		return fmt.Errorf("%w: tenant is required", knowledge.ErrInvalidConfiguration)
	}
	return nil
}

// Ensure returns the collection of tenant, registering one on first use.
// A name already owned by another tenant gets a hash suffix.
func (r *CollectionRegistry) Ensure(ctx context.Context, tenant string) (string, error) {
	if err := validTenant(tenant); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.cache[tenant]; ok {
		return name, nil
	}
	name, err := r.catalog.Collection(ctx, tenant)
	if err == nil {
		r.cache[tenant] = name
		return name, nil
	}
	if !errors.Is(err, knowledge.ErrUnknownTenant) {
		return "", err
	}
	name = CollectionName(tenant)
	owner, err := r.catalog.CollectionOwner(ctx, name)
	if err != nil {
		return "", err
	}
	if owner != "" && owner != tenant {
		name = strings.TrimSuffix(name, "_documents") + "_" + tenantHash(tenant) + "_documents"
	}
	if err := r.catalog.RegisterCollection(ctx, tenant, name); err != nil {
		return "", err
	}
	r.cache[tenant] = name
	return name, nil
}

// Lookup resolves a registered tenant and fails with knowledge.ErrUnknownTenant otherwise.
func (r *CollectionRegistry) Lookup(ctx context.Context, tenant string) (string, error) {
	if err := validTenant(tenant); err != nil {
		return "", err
	}
	r.mu.Lock()
	name, ok := r.cache[tenant]
	r.mu.Unlock()
	if ok {
		return name, nil
	}
	name, err := r.catalog.Collection(ctx, tenant)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.cache[tenant] = name
	r.mu.Unlock()
	return name, nil
}

func (r *CollectionRegistry) Tenants(ctx context.Context) ([]string, error) {
	return r.catalog.Tenants(ctx)
}

// MemoryCatalog is a process-local Catalog.
type MemoryCatalog struct {
	mu      sync.RWMutex
	byName  map[string]string
	byOwner map[string]string
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{byName: make(map[string]string), byOwner: make(map[string]string)}
}

func (c *MemoryCatalog) Collection(_ context.Context, tenant string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.byOwner[tenant]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: %s", knowledge.ErrUnknownTenant, tenant)
}

func (c *MemoryCatalog) CollectionOwner(_ context.Context, name string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[name], nil
}

func (c *MemoryCatalog) RegisterCollection(_ context.Context, tenant, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.byName[name]; ok && owner != tenant {
		return fmt.Errorf("vectordb: collection %s already belongs to another tenant", name)
	}
	c.byOwner[tenant] = name
	c.byName[name] = tenant
	return nil
}

func (c *MemoryCatalog) Tenants(context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byOwner))
	for tenant := range c.byOwner {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out, nil
}

package authz

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Tier groups permissions by sensitivity. Administrative-tier permissions
// additionally require MFA step-up.
type Tier string

const (
	TierPublic         Tier = "public"
	TierOperational    Tier = "operational"
	TierAdministrative Tier = "administrative"
)

// Permission maps a name to the set of qualifying roles.
type Permission struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
	Tier  Tier     `json:"tier"`
}

// Built-in permission names.
const (
	PermReportRead    = "report.read"
	PermReportPublish = "report.publish"
	PermRoleApprove   = "role.approve"
	PermMFADisable    = "mfa.disable"
	PermAuditRead     = "audit.read"
	PermCatalogReload = "catalog.reload"
)

// AdminRole qualifies for administrative-tier permissions and for approving
// role grants.
const AdminRole = "admin"

// Catalog is the immutable-at-runtime permission-to-roles mapping. Changes
// require an explicit reload, which swaps the whole catalog atomically.
type Catalog struct {
	perms map[string]Permission
}

// DefaultCatalog returns the built-in permission set.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Permission{
		{Name: PermReportRead, Roles: []string{"member", "operator", AdminRole}, Tier: TierPublic},
		{Name: PermReportPublish, Roles: []string{"operator", AdminRole}, Tier: TierOperational},
		{Name: PermRoleApprove, Roles: []string{AdminRole}, Tier: TierAdministrative},
		{Name: PermMFADisable, Roles: []string{AdminRole}, Tier: TierAdministrative},
		{Name: PermAuditRead, Roles: []string{AdminRole}, Tier: TierAdministrative},
		{Name: PermCatalogReload, Roles: []string{AdminRole}, Tier: TierAdministrative},
	})
	if err != nil {
		panic(err) // built-ins are static
	}
	return c
}

// NewCatalog validates and freezes a permission set.
func NewCatalog(perms []Permission) (*Catalog, error) {
	if len(perms) == 0 {
		return nil, errors.New("authz: catalog requires at least one permission")
	}
	m := make(map[string]Permission, len(perms))
	for _, p := range perms {
		name := strings.TrimSpace(strings.ToLower(p.Name))
		if name == "" {
			return nil, errors.New("authz: permission name is required")
		}
		if _, ok := m[name]; ok {
			return nil, fmt.Errorf("authz: duplicate permission %s", name)
		}
		switch p.Tier {
		case TierPublic, TierOperational, TierAdministrative:
		default:
			return nil, fmt.Errorf("authz: unsupported tier %q for %s", p.Tier, name)
		}
		roles := dedupeRoles(p.Roles)
		if len(roles) == 0 {
			return nil, fmt.Errorf("authz: permission %s has no qualifying roles", name)
		}
		m[name] = Permission{Name: name, Roles: roles, Tier: p.Tier}
	}
	return &Catalog{perms: m}, nil
}

// LoadCatalog reads a permission set from a JSON file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var perms []Permission
	if err := json.Unmarshal(data, &perms); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return NewCatalog(perms)
}

// Lookup returns the permission definition for a name.
func (c *Catalog) Lookup(name string) (Permission, bool) {
	p, ok := c.perms[strings.TrimSpace(strings.ToLower(name))]
	return p, ok
}

// Names lists known permission names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.perms))
	for name := range c.perms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var out []string
	for _, r := range roles {
		r = strings.TrimSpace(strings.ToLower(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Package permission implements C5, the Permission Engine (spec
// §4.5): role-hierarchy expansion and resource/action/condition
// matching. Role expansion is grounded on casbin/casbin's
// default-role-manager (rbac.RoleManager): parent edges are registered
// with it, and the transitive closure is built by walking its GetRoles
// (which returns a role's direct parents) under a visited set. Condition
// evaluation (operators over structured {field,operator,value}
// records) has no casbin or pack equivalent — casbin's own ABAC story
// is govaluate expression strings, not a structured Condition type —
// so it is implemented directly (see condition.go and DESIGN.md).
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2/rbac"
	defaultrolemanager "github.com/casbin/casbin/v2/rbac/default-role-manager"
	"golang.org/x/sync/errgroup"

	"github.com/coreauth/authcore/internal/errkind"
	"github.com/coreauth/authcore/internal/permcache"
)

// defaultBatchConcurrency is spec §4.5's check_batch bound on
// concurrent in-flight condition evaluations per call.
const defaultBatchConcurrency = 100

// Check is one requested (resource, action) pair in a check_batch call.
type Check struct {
	Resource string
	Action   string
}

// Decision is spec §4.5's check_batch per-permission result: whether
// the request was granted, whether the backing resolution came from
// C2's cache, which granted permissions matched the requested
// resource/action shape, and a short description of the path taken.
type Decision struct {
	Allowed            bool         `json:"allowed"`
	Cached             bool         `json:"cached"`
	MatchedPermissions []Permission `json:"matched_permissions,omitempty"`
	EvalPath           string       `json:"eval_path"`
}

// Condition is spec §3/§4.5's structured permission condition.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	// Volatile, when true, bypasses the condition-evaluation cache
	// because the field's value changes between calls with the same
	// fingerprint (e.g. current time, request-scoped counters).
	Volatile bool `json:"volatile,omitempty"`
}

// Permission is a granted (resource, action) pair with optional
// conditions (spec §4.5). An empty Conditions slice always matches.
type Permission struct {
	Resource   string      `json:"resource"`
	Action     string      `json:"action"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// RoleDef is a role's own direct grants plus its parent role ids
// (spec §3's Role entity).
type RoleDef struct {
	ID          string       `json:"id"`
	Parents     []string     `json:"parents,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// RoleRepository resolves a role definition by id; implemented over
// internal/relational by C6's role storage.
type RoleRepository interface {
	GetRole(ctx context.Context, roleID string) (RoleDef, bool, error)
}

// Config controls role-expansion bounds.
type Config struct {
	MaxDepth int // default 10
}

func (c Config) withDefaults() Config {
	if c.MaxDepth == 0 {
		c.MaxDepth = 10
	}
	return c
}

// Engine is C5, the Permission Engine.
type Engine struct {
	repo  RoleRepository
	cache *permcache.Cache
	cond  *conditionEvaluator
	cfg   Config

	mu     sync.Mutex
	rm     rbac.RoleManager
	linked map[string]bool // edges already registered with rm, avoids redundant AddLink calls
}

// New constructs C5 over the given role repository and C2 cache.
func New(repo RoleRepository, cache *permcache.Cache, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		repo:   repo,
		cache:  cache,
		cond:   newConditionEvaluator(),
		cfg:    cfg,
		rm:     defaultrolemanager.NewRoleManager(cfg.MaxDepth),
		linked: make(map[string]bool),
	}
}

// ExpandRole computes the transitive closure over a role's parents
// (spec §4.5's role expansion), returning an ordered role chain
// (most-specific first) and the merged permission set. Results are
// served from C2 when present.
func (e *Engine) ExpandRole(ctx context.Context, roleID string) ([]string, []Permission, error) {
	if entry, ok, err := e.cache.GetRole(ctx, roleID); err == nil && ok {
		return entry.Roles, decodePerms(entry.Permissions), nil
	}

	chain, err := e.closureChain(ctx, roleID)
	if err != nil {
		return nil, nil, err
	}

	var merged []Permission
	seen := make(map[string]bool)
	for _, r := range chain {
		def, ok, err := e.repo.GetRole(ctx, r)
		if err != nil {
			return nil, nil, errkind.Wrap(errkind.Transient, "ROLE_LOOKUP_FAILED", "failed to load role definition", err)
		}
		if !ok {
			continue
		}
		for _, p := range def.Permissions {
			key := p.Resource + "|" + p.Action
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, p)
		}
	}

	if err := e.cache.PutRole(ctx, roleID, flattenPermStrings(merged), chain); err != nil {
		return nil, nil, err
	}
	return chain, merged, nil
}

// ResolveForUser is the live request-path entry point spec §4.7's
// Context Builder must consult through C2 on every build: it resolves
// a user's authoritative role chain and merged permission set, served
// from C2's per-subject cache when present and populated there on a
// miss via ExpandRole. The token's own embedded permission snapshot is
// advisory only (spec §4.7/§8 scenario: a role downgrade must take
// effect before the access token naturally expires); this is the
// authoritative path callers must use instead.
func (e *Engine) ResolveForUser(ctx context.Context, userID, roleID string) ([]string, []Permission, error) {
	roles, perms, _, err := e.resolveForUserCached(ctx, userID, roleID)
	return roles, perms, err
}

// resolveForUserCached is ResolveForUser plus the cache-hit flag
// check_batch and get_user_permissions report in their results.
func (e *Engine) resolveForUserCached(ctx context.Context, userID, roleID string) ([]string, []Permission, bool, error) {
	if entry, ok, err := e.cache.GetUser(ctx, userID); err == nil && ok {
		return entry.Roles, decodePerms(entry.Permissions), true, nil
	}

	chain, perms, err := e.ExpandRole(ctx, roleID)
	if err != nil {
		return nil, nil, false, err
	}

	if err := e.cache.PutUser(ctx, userID, flattenPermStrings(perms), chain); err != nil {
		return nil, nil, false, err
	}
	return chain, perms, false, nil
}

// GetUserPermissions is spec §4.5/§6's get_user_permissions: the
// authoritative, C2-backed permission set and role chain for a user,
// the same resolution ResolveForUser performs for C7's live request
// path, exposed directly as its own named operation.
func (e *Engine) GetUserPermissions(ctx context.Context, userID, roleID string) ([]string, []Permission, error) {
	return e.ResolveForUser(ctx, userID, roleID)
}

// CheckBatch is spec §4.5's check_batch: resolve a user's permission
// set once, then evaluate every requested (resource, action) pair
// concurrently, bounded by batchSize (default 100 per spec), reporting
// per-check whether the resolution was cache-served, which granted
// permissions matched the requested shape, and the evaluation path
// taken.
func (e *Engine) CheckBatch(ctx context.Context, userID, roleID string, checks []Check, reqCtx map[string]any, batchSize int) (map[string]Decision, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchConcurrency
	}

	roles, perms, cached, err := e.resolveForUserCached(ctx, userID, roleID)
	_ = roles
	if err != nil {
		return nil, err
	}

	results := make(map[string]Decision, len(checks))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchSize)
	for _, chk := range checks {
		chk := chk
		g.Go(func() error {
			allowed, matched, err := e.evaluate(gctx, perms, chk.Resource, chk.Action, reqCtx)
			if err != nil {
				return err
			}
			key := chk.Resource + ":" + chk.Action
			evalPath := "no_match"
			if len(matched) > 0 {
				evalPath = fmt.Sprintf("role_expansion:%d_candidates", len(matched))
			}
			d := Decision{Allowed: allowed, Cached: cached, MatchedPermissions: matched, EvalPath: evalPath}
			mu.Lock()
			results[key] = d
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// closureChain discovers this role's parent edges from the
// repository (bounded by a visited set and MaxDepth so a malformed,
// cyclic repository graph can't hang edge discovery) and registers
// each new edge with the casbin role manager. rm.GetRoles returns only
// a role's direct parents, so the closure returned to the caller is a
// breadth-first walk over GetRoles results; the seen set stops the
// walk at the first revisit of a role in a cycle.
func (e *Engine) closureChain(ctx context.Context, roleID string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.discoverEdges(ctx, roleID); err != nil {
		return nil, err
	}

	chain := []string{roleID}
	seen := map[string]bool{roleID: true}
	for i := 0; i < len(chain); i++ {
		parents, err := e.rm.GetRoles(chain[i])
		if err != nil {
			return nil, errkind.Wrap(errkind.Fatal, "ROLE_CLOSURE_FAILED", "failed to compute role closure", err)
		}
		for _, r := range parents {
			if !seen[r] {
				seen[r] = true
				chain = append(chain, r)
			}
		}
	}
	return chain, nil
}

func (e *Engine) discoverEdges(ctx context.Context, roleID string) error {
	visited := map[string]bool{roleID: true}
	queue := []string{roleID}
	depth := 0

	for len(queue) > 0 && depth < e.cfg.MaxDepth {
		depth++
		var next []string
		for _, r := range queue {
			def, ok, err := e.repo.GetRole(ctx, r)
			if err != nil {
				return errkind.Wrap(errkind.Transient, "ROLE_LOOKUP_FAILED", "failed to load role definition", err)
			}
			if !ok {
				continue
			}
			for _, parent := range def.Parents {
				edge := r + ">" + parent
				if !e.linked[edge] {
					_ = e.rm.AddLink(r, parent)
					e.linked[edge] = true
				}
				if !visited[parent] {
					visited[parent] = true
					next = append(next, parent)
				}
			}
		}
		queue = next
	}
	return nil
}

// InvalidateRole must be called whenever a role's parent edges
// change, dropping both the permcache expansion entries and this
// engine's casbin edge cache (spec §4.5: "role-hierarchy mutation
// triggers a cache-wide invalidation of role expansion entries").
func (e *Engine) InvalidateRole(ctx context.Context, roleID string) error {
	e.mu.Lock()
	e.rm.Clear()
	for k := range e.linked {
		delete(e.linked, k)
	}
	e.mu.Unlock()
	return e.cache.InvalidateRoleHierarchy(ctx)
}

// InvalidateUser drops a single user's cached C2 resolution, used by
// C6's AssignRole/RevokeRole so a role change takes effect on that
// user's very next request instead of waiting for their C2 entry's
// TTL (spec §4.5 Assignment).
func (e *Engine) InvalidateUser(ctx context.Context, userID string) error {
	return e.cache.InvalidateUser(ctx, userID)
}

// Can evaluates spec §4.5's permission-matching algorithm: a
// requested (resource, action) is granted if any permission in perms
// matches the resource/action shape and all of that permission's
// conditions evaluate true against reqCtx (AND within a permission,
// OR across permissions).
func (e *Engine) Can(ctx context.Context, perms []Permission, resource, action string, reqCtx map[string]any) (bool, error) {
	allowed, _, err := e.evaluate(ctx, perms, resource, action, reqCtx)
	return allowed, err
}

// evaluate is Can's implementation, additionally reporting every
// granted permission whose resource/action shape matched the request
// (regardless of whether its conditions passed), for check_batch's
// explainability contract.
func (e *Engine) evaluate(ctx context.Context, perms []Permission, resource, action string, reqCtx map[string]any) (bool, []Permission, error) {
	var matched []Permission
	allowed := false
	for _, p := range perms {
		if !matchesResource(p.Resource, resource) || !matchesAction(p.Action, action) {
			continue
		}
		matched = append(matched, p)
		if allowed {
			continue
		}
		if len(p.Conditions) == 0 {
			allowed = true
			continue
		}
		allPass, err := e.cond.evaluateAll(p.Conditions, reqCtx)
		if err != nil {
			return false, matched, err
		}
		if allPass {
			allowed = true
		}
	}
	return allowed, matched, nil
}

func matchesResource(granted, requested string) bool {
	if granted == "*" || granted == requested {
		return true
	}
	if strings.HasSuffix(granted, "*") {
		return strings.HasPrefix(requested, strings.TrimSuffix(granted, "*"))
	}
	return false
}

func matchesAction(granted, requested string) bool {
	return granted == "*" || granted == requested
}

// flattenPermStrings serializes each Permission (conditions included)
// to a JSON string so permcache.Entry's []string Permissions field
// (spec §4.2's persisted shape) round-trips ExpandRole's authoritative
// result without losing condition data.
func flattenPermStrings(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		b, err := json.Marshal(p)
		if err != nil {
			continue
		}
		out = append(out, string(b))
	}
	return out
}

func decodePerms(snapshot []string) []Permission {
	out := make([]Permission, 0, len(snapshot))
	for _, s := range snapshot {
		var p Permission
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

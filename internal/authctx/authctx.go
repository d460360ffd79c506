// Package authctx implements C7, the Context Builder (spec §4.7): a
// transport-independent identity+session context with in-context
// decision caching, grounded on the teacher's
// middleware/context.go (typed context-key accessors) and
// middleware/auth.go (Bearer/cookie credential extraction order).
package authctx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coreauth/authcore/internal/auth"
	"github.com/coreauth/authcore/internal/permission"
)

// AuthMethod identifies how the credential for this context was
// extracted.
type AuthMethod string

const (
	AuthMethodJWT      AuthMethod = "jwt"
	AuthMethodAPIKey   AuthMethod = "api_key"
	AuthMethodNone     AuthMethod = "none"
)

// User is the minimal identity projection the context exposes.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Context is spec §4.7's produced value: a unified identity+session
// context, serializable with ISO-8601 timestamps and never carrying
// raw tokens.
type Context struct {
	Authenticated bool       `json:"authenticated"`
	SessionID     string     `json:"session_id,omitempty"`
	User          *User      `json:"user,omitempty"`
	Roles         []string   `json:"roles,omitempty"`
	Permissions   []permission.Permission `json:"-"` // authoritative grant set, not serialized (raw conditions aren't wire-safe)
	AuthMethod    AuthMethod `json:"auth_method"`
	LastActivity  time.Time  `json:"last_activity,omitempty"`

	engine *permission.Engine
	cache  map[string]bool // decision cache populated lazily by Can
}

// Can is C7's pure predicate delegating to C5, memoizing each
// (resource, action) decision in the context's cache on first use.
func (c *Context) Can(ctx context.Context, resource, action string, reqCtx map[string]any) bool {
	if !c.Authenticated || c.engine == nil {
		return false
	}
	key := resource + "|" + action
	if v, ok := c.cache[key]; ok {
		return v
	}
	allowed, err := c.engine.Can(ctx, c.Permissions, resource, action, reqCtx)
	if err != nil {
		allowed = false
	}
	if c.cache == nil {
		c.cache = make(map[string]bool)
	}
	c.cache[key] = allowed
	return allowed
}

// HasRole reports whether the context's resolved role chain contains
// any of the given roles.
func (c *Context) HasRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range c.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// HasPermission reports whether the context's authoritative
// permission set grants any of the given (resource:action) strings,
// without condition evaluation (a coarse existence check for UI
// gating, not an authorization decision).
func (c *Context) HasPermission(resourceAction ...string) bool {
	for _, want := range resourceAction {
		resource, action, ok := strings.Cut(want, ":")
		if !ok {
			continue
		}
		for _, p := range c.Permissions {
			if p.Resource == resource && p.Action == action {
				return true
			}
		}
	}
	return false
}

// Credential is an extracted, not-yet-verified credential plus the
// method it was found by.
type Credential struct {
	Token  string
	Method AuthMethod
}

// ExtractHTTP implements spec §4.7's HTTP extraction order:
// Authorization: Bearer -> X-API-Key -> cookie access_token.
func ExtractHTTP(r *http.Request) (Credential, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok && token != "" {
			return Credential{Token: token, Method: AuthMethodJWT}, true
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return Credential{Token: key, Method: AuthMethodAPIKey}, true
	}
	if cookie, err := r.Cookie("access_token"); err == nil && cookie.Value != "" {
		return Credential{Token: cookie.Value, Method: AuthMethodJWT}, true
	}
	return Credential{}, false
}

// ExtractSocket implements spec §4.7's duplex-socket extraction:
// query parameter token, or a handshake header.
func ExtractSocket(query, handshakeHeader string) (Credential, bool) {
	if query != "" {
		return Credential{Token: query, Method: AuthMethodJWT}, true
	}
	if handshakeHeader != "" {
		if token, ok := strings.CutPrefix(handshakeHeader, "Bearer "); ok {
			return Credential{Token: token, Method: AuthMethodJWT}, true
		}
		return Credential{Token: handshakeHeader, Method: AuthMethodJWT}, true
	}
	return Credential{}, false
}

// Builder is C7: it turns an extracted credential into a Context,
// consulting C4 (verify) and C5 through C2 for authoritative
// permissions; the token's embedded permission snapshot is used only
// when that resolution fails.
type Builder struct {
	tokens  *auth.TokenService
	engine  *permission.Engine
	clock   func() time.Time
}

// NewBuilder constructs C7 over C4 and C5.
func NewBuilder(tokens *auth.TokenService, engine *permission.Engine) *Builder {
	return &Builder{tokens: tokens, engine: engine, clock: time.Now}
}

// Unauthenticated is the zero-value context for a request carrying no
// usable credential.
func (b *Builder) Unauthenticated() *Context {
	return &Context{Authenticated: false, AuthMethod: AuthMethodNone, engine: b.engine}
}

// Build verifies the credential via C4 and assembles a Context. Per
// spec §4.7, Can must always consult C5 through C2's cache rather than
// trust the token's embedded permission snapshot indefinitely — a role
// downgrade or revocation must take effect on the very next request,
// not wait for the access token to expire. The embedded snapshot is
// used only as a same-request fallback if C5/C2 resolution itself
// fails (e.g. a transient cache/store error), so authentication still
// degrades gracefully rather than hard-failing every request.
func (b *Builder) Build(ctx context.Context, cred Credential) (*Context, error) {
	vr, err := b.tokens.Verify(ctx, cred.Token)
	if err != nil {
		return nil, err
	}
	if !vr.Valid {
		c := b.Unauthenticated()
		return c, nil
	}

	roles, perms, err := b.engine.ResolveForUser(ctx, vr.Payload.UserID.String(), vr.Payload.RoleID)
	if err != nil {
		roles = rolesOf(vr.Payload.RoleID)
		perms = nil
		for _, p := range vr.Payload.Permissions {
			resource, action, ok := strings.Cut(p, ":")
			if ok {
				perms = append(perms, permission.Permission{Resource: resource, Action: action})
			}
		}
	}

	return &Context{
		Authenticated: true,
		User:          &User{ID: vr.Payload.UserID.String(), Email: vr.Payload.Email},
		Roles:         roles,
		Permissions:   perms,
		AuthMethod:    cred.Method,
		LastActivity:  b.clock(),
		engine:        b.engine,
	}, nil
}

// WithPermissions attaches an authoritative permission set and role
// chain resolved via C5 (the one-round-trip path spec §4.7 allows
// when the embedded snapshot is absent or the caller needs strict
// semantics).
func (c *Context) WithPermissions(roles []string, perms []permission.Permission) *Context {
	c.Roles = roles
	c.Permissions = perms
	c.cache = nil
	return c
}

// WithSession attaches session linkage resolved via C3.
func (c *Context) WithSession(sessionID string, lastActivity time.Time) *Context {
	c.SessionID = sessionID
	c.LastActivity = lastActivity
	return c
}

func rolesOf(roleID string) []string {
	if roleID == "" {
		return nil
	}
	return []string{roleID}
}

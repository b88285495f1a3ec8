package mantle

import (
	"log/slog"
	"sync"
	"time"
)

// User identifies the caller for permission and quota decisions.
type User struct {
	ID   string
	Role string
}

// Roles recognized by the permission checker. Elevated roles bypass the
// approval requirement but not quotas.
const (
	RoleUser  = "user"
	RolePower = "power_user"
	RoleAdmin = "admin"
)

// ToolPermission is the policy record for one tool. Loaded from defaults
// plus admin overrides; queried on every invocation.
type ToolPermission struct {
	ToolName         string        `json:"tool_name"`
	SecurityLevel    SecurityLevel `json:"security_level"`
	AllowedRoles     []string      `json:"allowed_roles"`
	RequiresApproval bool          `json:"requires_approval"`
	MaxCallsPerHour  int           `json:"max_calls_per_hour"` // 0 = unlimited
	MaxCallsPerDay   int           `json:"max_calls_per_day"`  // 0 = unlimited
	CostPerCall      float64       `json:"cost_per_call"`
}

// ToolApproval grants a user temporary access to an approval-gated tool.
type ToolApproval struct {
	UserID        string
	ToolName      string
	ExpiresAt     time.Time
	RemainingUses int
}

// UsageQuota tracks per-user-per-tool call counts. Windows roll over
// lazily on check rather than via a background timer.
type UsageQuota struct {
	CallsThisHour int
	CallsToday    int
	HourResetAt   time.Time
	DayResetAt    time.Time
}

// Decision is the verdict of a permission check.
type Decision struct {
	Allowed bool
	Reason  string // set when denied
	Warning string // non-fatal advisory (e.g. quota nearly exhausted)
}

// PermissionChecker composes the role, approval, and quota gates that run
// before every tool invocation. Process-wide; quota mutations are
// serialized per user-tool pair under the checker's lock.
type PermissionChecker struct {
	mu        sync.Mutex
	perms     map[string]ToolPermission
	approvals map[string][]ToolApproval // userID → grants
	quotas    map[string]*UsageQuota    // userID + "\x00" + tool
	logger    *slog.Logger
	now       func() time.Time
}

// PermissionOption configures a PermissionChecker.
type PermissionOption func(*PermissionChecker)

// PermissionLogger sets the structured logger. Denials are logged at WARN
// with user, tool, and reason.
func PermissionLogger(l *slog.Logger) PermissionOption {
	return func(p *PermissionChecker) { p.logger = l }
}

// NewPermissionChecker creates a checker seeded with the given policies.
// Tools without a policy default to allowed for every role, no approval,
// no quota.
func NewPermissionChecker(perms []ToolPermission, opts ...PermissionOption) *PermissionChecker {
	p := &PermissionChecker{
		perms:     make(map[string]ToolPermission, len(perms)),
		approvals: make(map[string][]ToolApproval),
		quotas:    make(map[string]*UsageQuota),
		logger:    nopLogger,
		now:       time.Now,
	}
	for _, perm := range perms {
		p.perms[perm.ToolName] = perm
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetPermission installs or replaces the policy for one tool. Admin
// operation; serialized with checks.
func (p *PermissionChecker) SetPermission(perm ToolPermission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perms[perm.ToolName] = perm
}

// Grant records an approval for (user, tool).
func (p *PermissionChecker) Grant(a ToolApproval) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.approvals[a.UserID] = append(p.approvals[a.UserID], a)
}

// CanUseTool runs the full permission gate: role membership, approval
// (expiry and remaining uses, skipped for elevated roles), then hourly and
// daily quotas with lazy window rollover. An allowed call consumes quota
// and, when approval-gated, one approval use.
func (p *PermissionChecker) CanUseTool(user User, toolName string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	perm, ok := p.perms[toolName]
	if !ok {
		p.bumpQuota(user.ID, toolName)
		return Decision{Allowed: true}
	}

	if len(perm.AllowedRoles) > 0 && !contains(perm.AllowedRoles, user.Role) {
		return p.deny(user, toolName, "role "+user.Role+" is not permitted to use this tool")
	}

	if perm.RequiresApproval && user.Role != RoleAdmin {
		if !p.consumeApproval(user.ID, toolName) {
			return p.deny(user, toolName, "tool requires approval and no valid approval exists")
		}
	}

	q := p.quota(user.ID, toolName)
	var warning string
	if perm.MaxCallsPerHour > 0 && q.CallsThisHour >= perm.MaxCallsPerHour {
		return p.deny(user, toolName, "hourly call quota exhausted")
	}
	if perm.MaxCallsPerDay > 0 && q.CallsToday >= perm.MaxCallsPerDay {
		return p.deny(user, toolName, "daily call quota exhausted")
	}
	if perm.MaxCallsPerDay > 0 && q.CallsToday+1 >= perm.MaxCallsPerDay {
		warning = "daily call quota nearly exhausted"
	}
	q.CallsThisHour++
	q.CallsToday++

	return Decision{Allowed: true, Warning: warning}
}

// CostPerCall returns the configured per-call cost for the tool, or zero
// when no policy exists.
func (p *PermissionChecker) CostPerCall(toolName string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perms[toolName].CostPerCall
}

// deny logs and returns a denial. Caller holds p.mu.
func (p *PermissionChecker) deny(user User, tool, reason string) Decision {
	p.logger.Warn("tool permission denied", "user", user.ID, "tool", tool, "reason", reason)
	return Decision{Allowed: false, Reason: reason}
}

// consumeApproval finds a valid grant and decrements its uses. Expired or
// spent grants are pruned in place. Caller holds p.mu.
func (p *PermissionChecker) consumeApproval(userID, tool string) bool {
	now := p.now()
	grants := p.approvals[userID]
	kept := grants[:0]
	consumed := false
	for i := range grants {
		g := grants[i]
		if g.ToolName != tool {
			kept = append(kept, g)
			continue
		}
		if now.After(g.ExpiresAt) || g.RemainingUses <= 0 {
			continue // pruned
		}
		if !consumed {
			g.RemainingUses--
			consumed = true
		}
		if g.RemainingUses > 0 {
			kept = append(kept, g)
		}
	}
	p.approvals[userID] = kept
	return consumed
}

// quota returns the live quota record for (user, tool), rolling windows
// over lazily. Caller holds p.mu.
func (p *PermissionChecker) quota(userID, tool string) *UsageQuota {
	key := userID + "\x00" + tool
	q, ok := p.quotas[key]
	now := p.now()
	if !ok {
		q = &UsageQuota{
			HourResetAt: now.Add(time.Hour),
			DayResetAt:  now.Add(24 * time.Hour),
		}
		p.quotas[key] = q
		return q
	}
	if now.After(q.HourResetAt) {
		q.CallsThisHour = 0
		q.HourResetAt = now.Add(time.Hour)
	}
	if now.After(q.DayResetAt) {
		q.CallsToday = 0
		q.DayResetAt = now.Add(24 * time.Hour)
	}
	return q
}

// bumpQuota counts a call for tools without a policy so later-installed
// policies see accurate history. Caller holds p.mu.
func (p *PermissionChecker) bumpQuota(userID, tool string) {
	q := p.quota(userID, tool)
	q.CallsThisHour++
	q.CallsToday++
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

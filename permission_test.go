package mantle

import (
	"testing"
	"time"
)

func newTestChecker(perms []ToolPermission) (*PermissionChecker, *testClock) {
	p := NewPermissionChecker(perms)
	clock := &testClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	p.now = clock.now
	return p, clock
}

func TestPermissionNoPolicyAllows(t *testing.T) {
	p, _ := newTestChecker(nil)
	d := p.CanUseTool(User{ID: "u1", Role: RoleUser}, "anything")
	if !d.Allowed {
		t.Errorf("denied with no policy: %q", d.Reason)
	}
}

func TestPermissionRoleGate(t *testing.T) {
	p, _ := newTestChecker([]ToolPermission{{
		ToolName:     "file_write",
		AllowedRoles: []string{RolePower, RoleAdmin},
	}})

	if d := p.CanUseTool(User{ID: "u1", Role: RoleUser}, "file_write"); d.Allowed {
		t.Error("plain user allowed past role gate")
	} else if d.Reason == "" {
		t.Error("denial carries no reason")
	}
	if d := p.CanUseTool(User{ID: "u2", Role: RolePower}, "file_write"); !d.Allowed {
		t.Errorf("power user denied: %q", d.Reason)
	}
}

func TestPermissionApprovalRequired(t *testing.T) {
	p, clock := newTestChecker([]ToolPermission{{
		ToolName:         "python_execute",
		RequiresApproval: true,
	}})
	user := User{ID: "u1", Role: RoleUser}

	if d := p.CanUseTool(user, "python_execute"); d.Allowed {
		t.Error("allowed without approval")
	}

	p.Grant(ToolApproval{
		UserID:        "u1",
		ToolName:      "python_execute",
		ExpiresAt:     clock.now().Add(time.Hour),
		RemainingUses: 2,
	})
	for i := 0; i < 2; i++ {
		if d := p.CanUseTool(user, "python_execute"); !d.Allowed {
			t.Fatalf("call %d denied with live approval: %q", i+1, d.Reason)
		}
	}
	if d := p.CanUseTool(user, "python_execute"); d.Allowed {
		t.Error("allowed after approval uses were spent")
	}
}

func TestPermissionApprovalExpiry(t *testing.T) {
	p, clock := newTestChecker([]ToolPermission{{
		ToolName:         "python_execute",
		RequiresApproval: true,
	}})
	user := User{ID: "u1", Role: RoleUser}
	p.Grant(ToolApproval{
		UserID:        "u1",
		ToolName:      "python_execute",
		ExpiresAt:     clock.now().Add(time.Minute),
		RemainingUses: 5,
	})
	clock.advance(2 * time.Minute)
	if d := p.CanUseTool(user, "python_execute"); d.Allowed {
		t.Error("allowed on an expired approval")
	}
}

func TestPermissionAdminSkipsApproval(t *testing.T) {
	p, _ := newTestChecker([]ToolPermission{{
		ToolName:         "python_execute",
		RequiresApproval: true,
	}})
	if d := p.CanUseTool(User{ID: "root", Role: RoleAdmin}, "python_execute"); !d.Allowed {
		t.Errorf("admin denied: %q", d.Reason)
	}
}

func TestPermissionHourlyQuota(t *testing.T) {
	p, clock := newTestChecker([]ToolPermission{{
		ToolName:        "web_search",
		MaxCallsPerHour: 2,
	}})
	user := User{ID: "u1", Role: RoleUser}

	for i := 0; i < 2; i++ {
		if d := p.CanUseTool(user, "web_search"); !d.Allowed {
			t.Fatalf("call %d denied: %q", i+1, d.Reason)
		}
	}
	if d := p.CanUseTool(user, "web_search"); d.Allowed {
		t.Error("allowed past the hourly quota")
	}

	// Lazy rollover: a new hour resets the counter on check.
	clock.advance(61 * time.Minute)
	if d := p.CanUseTool(user, "web_search"); !d.Allowed {
		t.Errorf("denied after hourly window rolled over: %q", d.Reason)
	}
}

func TestPermissionDailyQuotaWarns(t *testing.T) {
	p, clock := newTestChecker([]ToolPermission{{
		ToolName:       "web_search",
		MaxCallsPerDay: 3,
	}})
	user := User{ID: "u1", Role: RoleUser}

	for i := 0; i < 2; i++ {
		if d := p.CanUseTool(user, "web_search"); d.Warning != "" {
			t.Errorf("call %d warned too early: %q", i+1, d.Warning)
		}
	}
	if d := p.CanUseTool(user, "web_search"); !d.Allowed {
		t.Fatalf("last call denied: %q", d.Reason)
	} else if d.Warning == "" {
		t.Error("no warning on the last allowed call")
	}
	if d := p.CanUseTool(user, "web_search"); d.Allowed {
		t.Error("allowed past the daily quota")
	}

	clock.advance(25 * time.Hour)
	if d := p.CanUseTool(user, "web_search"); !d.Allowed {
		t.Errorf("denied after daily window rolled over: %q", d.Reason)
	}
}

func TestPermissionQuotasIsolatedPerUser(t *testing.T) {
	p, _ := newTestChecker([]ToolPermission{{
		ToolName:        "web_search",
		MaxCallsPerHour: 1,
	}})
	if d := p.CanUseTool(User{ID: "u1", Role: RoleUser}, "web_search"); !d.Allowed {
		t.Fatalf("first user denied: %q", d.Reason)
	}
	if d := p.CanUseTool(User{ID: "u2", Role: RoleUser}, "web_search"); !d.Allowed {
		t.Errorf("second user shares the first user's quota: %q", d.Reason)
	}
}

func TestPermissionSetPermissionOverrides(t *testing.T) {
	p, _ := newTestChecker(nil)
	p.SetPermission(ToolPermission{ToolName: "file_read", AllowedRoles: []string{RoleAdmin}})
	if d := p.CanUseTool(User{ID: "u1", Role: RoleUser}, "file_read"); d.Allowed {
		t.Error("installed policy not enforced")
	}
}

func TestPermissionCostPerCall(t *testing.T) {
	p, _ := newTestChecker([]ToolPermission{{ToolName: "web_search", CostPerCall: 0.002}})
	if got := p.CostPerCall("web_search"); got != 0.002 {
		t.Errorf("CostPerCall = %v, want 0.002", got)
	}
	if got := p.CostPerCall("unknown"); got != 0 {
		t.Errorf("CostPerCall for unconfigured tool = %v, want 0", got)
	}
}

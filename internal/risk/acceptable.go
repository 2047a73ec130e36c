package risk

import (
	"context"
	"fmt"

	"github.com/nerrad567/factory-guard/internal/audit"
	"github.com/nerrad567/factory-guard/internal/auth"
)

// defaultCeilings is the highest acceptable score per permission. Higher
// privilege gets a lower ceiling. A degraded assessment (75) exceeds all.
func defaultCeilings() map[auth.Permission]int {
	return map[auth.Permission]int{
		auth.PermDashboardView:     50,
		auth.PermSensorRead:        50,
		auth.PermProductionOperate: 30,
		auth.PermAlarmAcknowledge:  30,
		auth.PermLineConfigure:     25,
		auth.PermReportExport:      25,
		auth.PermUserInvite:        20,
		auth.PermUserManage:        20,
		auth.PermRoleAssign:        15,
		auth.PermCompanyConfigure:  15,
		auth.PermSecurityAudit:     15,
		auth.PermSystemAdmin:       10,
	}
}

// Ceiling returns the highest acceptable score for perm. Unknown
// permissions have a ceiling of 0.
func (e *Engine) Ceiling(perm auth.Permission) int {
	return e.ceilings[perm]
}

// IsRiskAcceptable assesses the request and compares the score against the
// permission's ceiling. Exceeding it records a risk_threshold_exceeded
// event, which the alert publisher forwards.
func (e *Engine) IsRiskAcceptable(ctx context.Context, userID, companyID string, perm auth.Permission, req auth.RequestContext) bool {
	a := e.Assess(ctx, userID, companyID, req)
	ceiling := e.Ceiling(perm)
	if a.Score <= ceiling {
		return true
	}

	e.audit(ctx, audit.Event{
		Type:        audit.EventRiskThresholdExceeded,
		RiskLevel:   a.Level.Severity(),
		Description: fmt.Sprintf("risk score %d exceeds ceiling %d for %s", a.Score, ceiling, perm),
		UserID:      userID,
		CompanyID:   companyID,
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
		Extra: map[string]any{
			"permission": string(perm),
			"score":      a.Score,
			"ceiling":    ceiling,
			"degraded":   a.Degraded,
		},
	})
	return false
}

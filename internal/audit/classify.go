package audit

import (
	"strings"
	"time"
)

// sensitiveKeywords flags field names whose values must never be stored in
// the clear. Matching is substring-based over the lower-cased field name.
var sensitiveKeywords = []string{
	"cpf",
	"ssn",
	"rg",
	"email",
	"phone",
	"address",
	"birthdate",
	"medical",
	"diagnosis",
	"prescription",
	"allergy",
	"insurance",
	"password",
	"token",
	"secret",
}

// IsSensitiveField reports whether a field name is classified as sensitive.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

var actionBaseScore = map[string]int{
	ActionDelete:           3,
	ActionExport:           3,
	ActionAccessDenied:     3,
	ActionPermissionChange: 2,
	ActionUpdate:           1,
	ActionCreate:           1,
	ActionRead:             0,
}

// scoreRisk computes the risk score and level for an entry. Off-hours means
// before 06:00 or after 22:00 local time.
func scoreRisk(action string, apiOrigin, hasSensitive bool, at time.Time) Security {
	score := actionBaseScore[action]
	if apiOrigin {
		score++
	}
	if hasSensitive {
		score += 2
	}
	offHours := at.Hour() < 6 || at.Hour() >= 22
	if offHours {
		score++
	}

	level := RiskLow
	switch {
	case score >= 6:
		level = RiskCritical
	case score >= 4:
		level = RiskHigh
	case score >= 2:
		level = RiskMedium
	}
	return Security{
		RiskScore: score,
		RiskLevel: level,
		APIOrigin: apiOrigin,
		OffHours:  offHours,
	}
}

// complianceFor tags the entry with the regulations it is relevant to.
// Clinic data falls under LGPD; medical records additionally under HIPAA.
func complianceFor(resourceType string, hasSensitive bool, retention time.Duration) Compliance {
	c := Compliance{RetentionDays: int(retention.Hours() / 24)}
	if hasSensitive {
		c.Regulations = append(c.Regulations, "lgpd")
	}
	rt := strings.ToLower(resourceType)
	if strings.Contains(rt, "medical") || strings.Contains(rt, "patient") {
		c.Regulations = append(c.Regulations, "hipaa")
	}
	return c
}

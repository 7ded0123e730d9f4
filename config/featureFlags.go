package config

import (
	"os"
	"strings"
)

// SkipImmediateIssuance disables the synchronous report issuance that fires
// when a batch reaches completed. The batch still transitions; issuance then
// only happens through an explicit emission request. Intended for incident
// response, not normal operation.
//
// Set via env:
// - SKIP_IMMEDIATE_ISSUANCE=true
func SkipImmediateIssuance() bool {
	return boolFlag("SKIP_IMMEDIATE_ISSUANCE")
}

// EmergencyIssuanceEnabled allows an administrator to force issuance for a
// batch that fails content-completeness validation. The report is marked as
// emergency-issued and the reason is audited.
//
// Set via env:
// - EMERGENCY_ISSUANCE_ENABLED=true
func EmergencyIssuanceEnabled() bool {
	return boolFlag("EMERGENCY_ISSUANCE_ENABLED")
}

func boolFlag(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

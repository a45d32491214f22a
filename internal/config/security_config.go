// config/security_config.go
package config

type SecurityLevel int

const (
	SecurityPublic SecurityLevel = iota // No authentication
	SecurityAccess                      // Access token required
)

// EndpointSecurityConfig maps HTTP route names to their required security level
var EndpointSecurityConfig = map[string]SecurityLevel{
	"Health":  SecurityPublic,
	"Metrics": SecurityPublic,

	"GetListing":    SecurityAccess,
	"CreateListing": SecurityAccess,
	"CloseListing":  SecurityAccess,

	"Book":                SecurityAccess,
	"IssueCompletionCode": SecurityAccess,
	"RequestCompletion":   SecurityAccess,
	"CancelAgreement":     SecurityAccess,
	"AddPenalty":          SecurityAccess,
}

// GetSecurityLevel returns the security level for a given route
func GetSecurityLevel(route string) SecurityLevel {
	if level, exists := EndpointSecurityConfig[route]; exists {
		return level
	}
	// Default to highest security for unknown endpoints
	return SecurityAccess
}

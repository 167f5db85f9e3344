// Package kiro holds the Kiro (CodeWhisperer) upstream specifics: regional
// endpoints, the machine fingerprint, and request header construction.
package kiro

import "fmt"

// DefaultRegion is used when configuration does not pin one.
const DefaultRegion = "us-east-1"

// RefreshURL returns the token refresh endpoint for a region.
func RefreshURL(region string) string {
	return fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", orDefault(region))
}

// APIHost returns the CodeWhisperer API host for a region.
func APIHost(region string) string {
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com", orDefault(region))
}

// QHost returns the Q API host for a region.
func QHost(region string) string {
	return fmt.Sprintf("https://q.%s.amazonaws.com", orDefault(region))
}

func orDefault(region string) string {
	if region == "" {
		return DefaultRegion
	}
	return region
}

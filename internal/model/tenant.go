package model

import "strings"

// ValidTenantID rejects identifiers that are too short or filesystem-unsafe,
// since the credential store derives a directory name directly from it.
func ValidTenantID(id string) bool {
	if len(id) < 3 {
		return false
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return false
	}
	return true
}

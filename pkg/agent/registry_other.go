//go:build !windows

package agent

// registryKeyExists is always false off Windows
func registryKeyExists(string) bool {
	return false
}

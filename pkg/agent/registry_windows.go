//go:build windows

package agent

import (
	"strings"

	"golang.org/x/sys/windows/registry"
)

var registryRoots = map[string]registry.Key{
	"HKEY_LOCAL_MACHINE": registry.LOCAL_MACHINE,
	"HKLM":               registry.LOCAL_MACHINE,
	"HKEY_CURRENT_USER":  registry.CURRENT_USER,
	"HKCU":               registry.CURRENT_USER,
}

// registryKeyExists opens ROOT\sub\key read-only
func registryKeyExists(path string) bool {
	root, sub, ok := strings.Cut(path, `\`)
	if !ok {
		return false
	}
	hkey, ok := registryRoots[strings.ToUpper(root)]
	if !ok {
		return false
	}
	k, err := registry.OpenKey(hkey, sub, registry.READ)
	if err != nil {
		return false
	}
	k.Close()
	return true
}

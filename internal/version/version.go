package version

import (
	"runtime/debug"
	"strings"
)

// Default is the substituted version when the module version is unknown, e.g. when built from
// a source checkout instead of a tagged release.
const Default = "dev"

// modulePath is the path this module is imported under by embedders.
const modulePath = "github.com/warmstart-dev/warmstart"

// GetVersion returns the module version of warmstart as recorded in the embedding binary's
// build info. The result scopes on-disk cache directories, so two binaries built against
// different warmstart versions never share images.
func GetVersion() (ret string) {
	ret = Default
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if info.Main.Path == modulePath {
		// Built from this module itself, e.g. the warmstart CLI.
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			ret = info.Main.Version
		}
		return
	}
	for _, dep := range info.Deps {
		// Checking the suffix tolerates forks with a different module prefix.
		if strings.HasSuffix(dep.Path, modulePath) {
			ret = dep.Version
			if dep.Replace != nil && dep.Replace.Version != "" {
				ret = dep.Replace.Version
			}
			return
		}
	}
	return
}

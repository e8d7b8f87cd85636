// Package buildconfig exposes build metadata injected at link time:
//
//	go build -ldflags "-X .../buildconfig.version=v1.2.3 -X .../buildconfig.commit=$(git rev-parse --short HEAD)"
package buildconfig

var (
	version = "dev"
	commit  = "unknown"
)

// Version returns the build version, or "dev" for local builds.
func Version() string {
	return version
}

// Commit returns the git commit the binary was built from.
func Commit() string {
	return commit
}

// VersionInfo bundles the build metadata for the metrics endpoint.
func VersionInfo() map[string]string {
	return map[string]string{
		"version": version,
		"commit":  commit,
	}
}

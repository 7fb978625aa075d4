// Package version exposes build-time version metadata.
package version

// CalmwebVersion is the semantic version string embedded at build time.
var CalmwebVersion = "0.0.0-src"

// Set version at compile time with
// go build -ldflags "-X calmweb/pkg/version.CalmwebVersion=1.0.0" -o calmweb

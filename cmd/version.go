// File: cmd/version.go
package cmd

// Version is the application version, set at build time using ldflags.
// Example: go build -ldflags "-X github.com/mirovane/lookalike/cmd.Version=1.0.0"
var Version = "0.1"

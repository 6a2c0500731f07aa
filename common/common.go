// Package common provides shared constants for the communique-core services.
package common

// PackageName identifies this module in metrics and logging.
const PackageName = "communique-core"

// Version is set at build time via -ldflags.
var Version = "dev"

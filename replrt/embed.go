package replrt

import (
	"embed"
	"io/fs"
)

// The runtime is copied into every session module. embed.go stays behind:
// the session copy has nothing to embed.
//
//go:embed protocol.go store.go wrap.go display.go serve.go
var sources embed.FS

// SourcesFS exposes the runtime sources written into session modules.
func SourcesFS() fs.FS {
	return sources
}

// Package version identifies swarmcache nodes to peers and trackers.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
)

const modulePath = "github.com/anacrolix/swarmcache"

var (
	// Module version, or "(devel)" when built from a checkout.
	Module = "unknown"
	// The "v" field of the extended handshake.
	ExtendedHandshakeClientVersion string
	HttpUserAgent                  string
	// Peer ID prefix, in Azureus style.
	Bep20Prefix string
)

func init() {
	mainPath := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok {
		mainPath = bi.Main.Path
		for _, dep := range append(bi.Deps, &bi.Main) {
			if dep.Path == modulePath {
				Module = dep.Version
			}
		}
	}
	ExtendedHandshakeClientVersion = fmt.Sprintf("%v (swarmcache %v)", mainPath, Module)
	HttpUserAgent = "swarmcache/" + Module
	major, minor, patch := semver(Module)
	Bep20Prefix = Fingerprint("SC", major, minor, patch, 0)
}

// Returns the numeric components of a "vX.Y.Z..." version, zero where absent.
func semver(v string) (major, minor, patch int) {
	v, ok := strings.CutPrefix(v, "v")
	if !ok {
		return
	}
	parts := strings.SplitN(v, ".", 3)
	ints := []*int{&major, &minor, &patch}
	for i, p := range parts {
		end := strings.IndexFunc(p, func(r rune) bool { return r < '0' || r > '9' })
		if end >= 0 {
			p = p[:end]
		}
		n, _ := strconv.Atoi(p)
		*ints[i] = n
	}
	return
}

// Package all is a meta-package that imports all store implementations so
// they register themselves with the store registry.
package all

import (
	_ "github.com/signalstickers/gatekeeper/lib/store/bbolt"
	_ "github.com/signalstickers/gatekeeper/lib/store/memory"
	_ "github.com/signalstickers/gatekeeper/lib/store/sqlite"
	_ "github.com/signalstickers/gatekeeper/lib/store/valkey"
)

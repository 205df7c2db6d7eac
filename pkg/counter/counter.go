// Package counter is the adapter for the shared atomic counter store.
//
// The store exposes a single primitive, Execute, which runs one of the
// registered Lua scripts as an indivisible transaction against Redis. All
// rate-limit state transitions happen inside those scripts; nothing else
// mutates counter keys. DeleteByPattern exists for administrative resets
// and is best-effort.
package counter

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Script identifies a registered counter script.
type Script string

const (
	ScriptTokenBucket Script = "token_bucket"
	ScriptFixedWindow Script = "fixed_window"
	ScriptSlidingLog  Script = "sliding_log"
)

// Key namespace prefixes, one per algorithm family.
const (
	KindToken   = "token"
	KindFixed   = "fixed"
	KindSliding = "sliding"
)

// ErrUnknownScript is returned by Execute for an unregistered script id.
var ErrUnknownScript = errors.New("counter: unknown script")

// Store is the atomic counter store contract.
// Implementations must be safe for concurrent use.
type Store interface {
	// Execute runs a registered script atomically and returns its
	// integer reply slice.
	Execute(ctx context.Context, script Script, keys []string, args ...interface{}) ([]int64, error)

	// DeleteByPattern removes all keys matching a glob pattern and
	// returns the number deleted. Best-effort; partial deletion may
	// occur on error.
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close() error
}

// Key builds the counter key for an algorithm kind, scope, and identifier:
// rl:{kind}:{scope_lowercase}:{identifier}. The fixed-window script appends
// its window id to this base key.
func Key(kind, scope, identifier string) string {
	return fmt.Sprintf("rl:%s:%s:%s", kind, strings.ToLower(scope), identifier)
}

// KeyPattern builds the glob matching every per-algorithm key for a scope
// and identifier, used by administrative resets.
func KeyPattern(scope, identifier string) string {
	return fmt.Sprintf("rl:*:%s:%s*", strings.ToLower(scope), identifier)
}

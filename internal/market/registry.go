package market

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrExists is returned when registering a name that is already registered.
var ErrExists = errors.New("market already registered")

// ID is a market identifier derived from the human-readable market name.
// The first 16 bytes of SHA-256(name), collision-resistant in scope, so two
// distinct names never map to the same ID.
type ID [16]byte

// DeriveID computes the stable identifier for a market name.
func DeriveID(name string) ID {
	sum := sha256.Sum256([]byte(name))
	var id ID
	copy(id[:], sum[:16])
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID decodes a hex-encoded market ID.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse market id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("parse market id: want %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Registry maintains the set of recognized markets. Markets are registered
// once and never removed; the ordered list preserves insertion order for
// total-balance aggregation.
// Not thread-safe; only accessed from the single-threaded engine.
type Registry struct {
	names   map[ID]string
	ordered []ID
}

func NewRegistry() *Registry {
	return &Registry{
		names: make(map[ID]string),
	}
}

// Add registers a market by name and returns its derived ID.
func (r *Registry) Add(name string) (ID, error) {
	if name == "" {
		return ID{}, fmt.Errorf("market name must not be empty")
	}

	id := DeriveID(name)
	if _, ok := r.names[id]; ok {
		return ID{}, fmt.Errorf("market %q: %w", name, ErrExists)
	}

	r.names[id] = name
	r.ordered = append(r.ordered, id)
	return id, nil
}

// Exists reports whether the market is registered.
func (r *Registry) Exists(id ID) bool {
	_, ok := r.names[id]
	return ok
}

// Name returns the human-readable name for a registered market.
func (r *Registry) Name(id ID) (string, bool) {
	name, ok := r.names[id]
	return name, ok
}

// All returns the registered market IDs in insertion order.
// The returned slice is a copy.
func (r *Registry) All() []ID {
	out := make([]ID, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of registered markets.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// Restore reinstates a market under a known ID (used during snapshot restore).
func (r *Registry) Restore(id ID, name string) {
	if _, ok := r.names[id]; ok {
		return
	}
	r.names[id] = name
	r.ordered = append(r.ordered, id)
}

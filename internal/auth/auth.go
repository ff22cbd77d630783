// Package auth gates the HTTP surface by API key. Role checks live here
// so the ledger engine itself never sees caller identity.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"marginledger/internal/observability"
)

// Role orders caller privileges. Admin implies operator.
type Role int

const (
	RoleNone Role = iota
	RoleOperator
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleOperator:
		return "operator"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// HeaderAPIKey carries the caller's key on every authenticated request.
const HeaderAPIKey = "X-API-Key"

type keyEntry struct {
	key  string
	role Role
}

// Store holds the configured API keys. Keys are compared in constant
// time; lookup is a linear scan since the key count is tiny.
type Store struct {
	keys []keyEntry
	log  zerolog.Logger
}

// NewStore builds a key store from comma-separated admin and operator
// key lists, as configured through the environment.
func NewStore(adminKeys, operatorKeys string) *Store {
	s := &Store{log: observability.NewLogger("auth")}
	for _, k := range splitKeys(adminKeys) {
		s.keys = append(s.keys, keyEntry{key: k, role: RoleAdmin})
	}
	for _, k := range splitKeys(operatorKeys) {
		s.keys = append(s.keys, keyEntry{key: k, role: RoleOperator})
	}
	return s
}

func splitKeys(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// RoleFor returns the role granted to the presented key.
func (s *Store) RoleFor(presented string) Role {
	if presented == "" {
		return RoleNone
	}
	granted := RoleNone
	for _, entry := range s.keys {
		if subtle.ConstantTimeCompare([]byte(entry.key), []byte(presented)) == 1 {
			if entry.role > granted {
				granted = entry.role
			}
		}
	}
	return granted
}

// Require wraps a handler so it only runs for callers holding at least
// the given role. Missing keys get 401, insufficient roles get 403.
func (s *Store) Require(min Role, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		presented := r.Header.Get(HeaderAPIKey)
		if presented == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		role := s.RoleFor(presented)
		if role < min {
			s.log.Warn().
				Str("path", r.URL.Path).
				Str("role", role.String()).
				Str("required", min.String()).
				Msg("request denied")
			writeAuthError(w, http.StatusForbidden, "insufficient role")
			return
		}

		h(w, r, ps)
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"code":  "UNAUTHORIZED",
	})
}

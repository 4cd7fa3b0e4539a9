package session

import "github.com/google/uuid"

// newSessionID mints a session id the way the registry's sibling
// repositories mint theirs (task/repository/memory.go, sqlite.go).
func newSessionID() string {
	return uuid.New().String()
}

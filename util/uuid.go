package util

import "github.com/google/uuid"

// NewUUID returns a time-ordered v7 id, or a random v4 id when the v7 source
// fails.
func NewUUID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// NewETag returns an opaque version tag for a stored record.
func NewETag() string {
	return uuid.NewString()
}

// NewOwnerID returns a unique consumer identity, prefixed when prefix is set.
func NewOwnerID(prefix string) string {
	if prefix == "" {
		return NewUUID()
	}
	return prefix + "-" + NewUUID()
}

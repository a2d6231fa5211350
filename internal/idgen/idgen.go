// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes for the ID families used across the coordinator.
const (
	EventPrefix       = "evt-"
	CorrelationPrefix = "cor-"
	AuditPrefix       = "aud-"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 12

// Event returns a new unique event ID.
func Event() (string, error) { return GenerateWithPrefix(EventPrefix) }

// Correlation returns a new unique correlation ID.
func Correlation() (string, error) { return GenerateWithPrefix(CorrelationPrefix) }

// Audit returns a new unique audit entry ID.
func Audit() (string, error) { return GenerateWithPrefix(AuditPrefix) }

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

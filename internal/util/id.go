package util

import "github.com/google/uuid"

// NewID returns a random (v4) UUID string. Graph nodes, edges and decisions
// all use this form so references such as "video:<id>" stay uniform.
func NewID() string {
	return uuid.NewString()
}

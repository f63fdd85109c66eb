// Package simple contains permissive policy implementations used when robots
// compliance is switched off.
package simple

import "context"

// Policy allows every URL.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Allowed always returns true.
func (Policy) Allowed(context.Context, string) bool {
	return true
}

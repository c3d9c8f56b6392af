// Package step runs the pluggable business logic of a node. A step receives an
// immutable Context of named parameters and returns a new one. Implementations
// are registered under a stable name and bound to step keys at startup.
package step

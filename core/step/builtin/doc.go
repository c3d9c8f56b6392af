// Package builtin registers the default step implementations. Importing it
// for side effects makes them available to step.Resolve.
package builtin

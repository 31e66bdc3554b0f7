// Package types defines shared types for TraceLens: the structured error
// model used across all components and the State value carried by
// checkpoints.
package types

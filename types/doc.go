// Package types defines the shared vocabulary of the engine: the
// structured error taxonomy, artifact references exchanged between
// steps, score vectors produced by quality scorers, and small helper
// types used across packages.
package types

// Package statestore persists workflow run history as an append-only
// event log plus periodic checkpoints, and reconstructs run state after
// a crash by replaying the log from the last checkpoint.
//
// Events are the source of truth: run state is always a pure fold over
// the log, and the log is written ahead of any scheduling decision that
// depends on it. Two backends are provided: a JSON-lines file store
// (one directory per run) and a SQLite store for deployments that
// prefer a single database file.
package statestore

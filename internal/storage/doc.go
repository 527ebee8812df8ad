// Package storage persists the alert event journal and the push
// backend's dedup windows.
//
// Two drivers exist: "file" writes JSON Lines next to a dedup snapshot,
// "sqlite" keeps both in one database file.
package storage

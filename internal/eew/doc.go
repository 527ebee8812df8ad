// Package eew holds the earthquake early-warning data model shared by the
// feed client, the derived-data service and the notification backends.
//
// An Alert is immutable once parsed, except for its derived data, which is
// filled in asynchronously and read through an atomic slot. Replacing an
// alert version means replacing the *Alert, never mutating it.
package eew

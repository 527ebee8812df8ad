// Package scheduler triggers recurring work on a fixed cadence or cron
// expression using robfig/cron. A trigger whose previous run is still
// executing is skipped, never queued.
package scheduler

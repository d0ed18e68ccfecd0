// Package scheduler keeps live irrigation triggers consistent with the
// schedule store and executes irrigation runs.
//
// Reload is the only way triggers change: it clears every handle, prunes
// expired one-time rows, then compiles and registers each active row. Rows
// that fail to compile are logged and skipped.
//
// A run publishes WATER_ON, waits the schedule's duration, publishes
// WATER_OFF and, for one-time schedules without keep_after_run, deletes the
// row and reloads. A run in progress is never interrupted by Reload; it
// completes from the schedule snapshot captured when it fired.
package scheduler

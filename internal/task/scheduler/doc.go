// Package scheduler is the periodic job table ("beat").
//
// Each entry maps a schedule name to a registered task and a cron or
// interval spec. The scheduler only computes trigger times; every trigger
// publishes a message through the task queue and execution happens in the
// task engine.
package scheduler

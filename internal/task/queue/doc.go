// Package queue names tasks and moves them to the engine.
//
// Handlers register under "app.task_name". Delay and ApplyAsync publish a
// JSON Message through a Broker; the broker hands deliveries back to the
// Queue, which submits them to the task engine with the definition's retry
// policy and time limits.
package queue

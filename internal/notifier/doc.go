// Package notifier delivers operator alerts.
//
// Alerts fan out to every configured channel (email to the site admins,
// Telegram to the operator chat). Each channel send goes through a bounded
// queue and a worker pool with a shared rate limit and jittered retries.
//
// # Dedup
//
// Identical alerts on the same channel inside the dedup window are dropped.
// With persist_dedup the suppress-until time is also written to storage so
// a restart does not resend an alert that already went out.
package notifier

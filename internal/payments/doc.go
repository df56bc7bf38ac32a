// Package payments owns the M-Pesa transaction lifecycle: STK push
// initiation, status queries, callback processing, refunds, and the
// periodic sweeps that keep transactions from getting stuck.
//
// Transitions follow a fixed table (see CanTransition). Every write is a
// compare-and-set on the previous status, so a callback racing a status
// query cannot regress a transaction.
package payments

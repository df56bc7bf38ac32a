// Package mpesa is a small client for the Safaricom Daraja API: OAuth
// tokens, Lipa na M-Pesa STK push and status query, and parsing of the
// STK callback the provider posts back.
package mpesa

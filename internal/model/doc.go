// Package model holds the shop entities shared by storage and the domain
// services, together with their status vocabularies and computed
// properties (pricing, stock status).
package model

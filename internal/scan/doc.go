// Package scan defines the domain types, collaborator interfaces and error
// taxonomy shared by the scan engine's queue, pool, guard, breaker, health
// monitor and workers.
package scan

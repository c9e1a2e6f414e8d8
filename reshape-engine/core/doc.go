// Package core provides the execution machinery shared by the reshape
// servers:
// - Worker pool with bounded queue and per-task result delivery
// - Pool statistics for the metrics endpoint
package core

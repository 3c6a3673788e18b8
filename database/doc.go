// Package database provides the bun-backed side of orbit: connection
// configuration and loading, connection management with health checks and
// statistics, the Engine implementation used by sessions, SQL error
// classification and query logging hooks.
package database

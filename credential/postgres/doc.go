// Package postgres implements credential.Store on PostgreSQL with pgx.
//
// The schema ships as embedded golang-migrate migrations; run [Migrator.Up]
// (or `chatauthd migrate`) before constructing a [Store].
package postgres

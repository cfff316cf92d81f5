// Package stores is the durable relational store of the security core: subjects,
// admin profiles, roles and their grants, and refresh-token records.
//
// # Design
//
// Every query goes through database/sql with numbered placeholders ($1, $2, ...)
// written in ascending order, so the same statements run on PostgreSQL (pgx
// stdlib driver) and on SQLite (tests). Mutations that must be atomic run in a
// single transaction with a deferred Rollback:
//
//   - grant changes bump roles.version with an in-database increment
//     (version = version + 1 ... RETURNING version), never read-then-write;
//   - refresh rotation revokes the old record with a conditional update and
//     inserts its successor only when exactly one row changed.
//
// # What this package must NOT do
//
//   - Talk to the cache. Cache state is owned by the services that read it.
//   - Persist raw refresh tokens. Only their one-way hash is stored.
//   - Import any public package of this module.
package stores

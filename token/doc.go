// Package token issues access/refresh token pairs and rotates refresh tokens
// along a family chain.
//
// Access tokens are stateless: verification is a signature and expiry check.
// Refresh tokens are also tracked durably by the SHA-256 of their signed value.
// Each rotation revokes the presented record and inserts its successor in one
// transaction, with the same family id and the presented record as parent.
// Presenting a record that is already revoked is treated as theft: every
// record of the family is revoked and ErrReuseDetected is returned.
package token

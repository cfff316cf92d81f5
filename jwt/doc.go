// Package jwt signs and verifies the bearer token payload {sub, type, exp, jti}
// with a server-held symmetric key. Only the token package and the root core
// parse tokens; other components receive decoded claims.
package jwt

// Package password hashes and verifies subject credentials with Argon2id.
//
// Hashes are PHC strings:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Hasher.NeedsRehash reports hashes produced with weaker parameters so the
// caller can upgrade them after a successful login. Plaintext is never logged
// or stored by this package.
package password

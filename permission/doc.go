// Package permission resolves the effective permission set of a subject and
// administers the roles and overrides it is computed from.
//
// # Resolution
//
// The effective set is role grants plus overrides.add minus overrides.remove.
// Super-admins, and any source granting "*", resolve to the All sentinel,
// which removals never narrow. Non-admin subjects resolve to the empty set.
//
// # Cache invalidation
//
// Resolved sets are memoized in Redis under
//
//	permissions:{subject_id}:{role_version}
//
// Every grant mutation bumps the role version by one inside the same
// transaction, so entries keyed by an older version are simply never read
// again and expire on their own. Role mutation cost does not depend on how
// many subjects hold the role. Entries also record the role id and profile
// version they were computed for; a hit that disagrees with the durable
// profile is recomputed, which covers role reassignment and override edits.
//
// The cache is advisory. A Redis failure falls back to the durable store and
// never widens a result.
package permission

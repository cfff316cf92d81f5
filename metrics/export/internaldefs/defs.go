package internaldefs

import (
	"strconv"
	"strings"

	"github.com/MrEthical07/shopguard"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   shopguard.MetricID
	Name string
	Help string
}

// HistogramDef names one exported latency histogram.
type HistogramDef struct {
	ID   shopguard.MetricID
	Name string
	Help string
}

const AuditDroppedName = "shopguard_audit_dropped_total"

const AuditDroppedHelp = "Audit events dropped because the dispatcher buffer was full."

var CounterDefs = []CounterDef{
	{ID: shopguard.MetricLoginSuccess, Name: "shopguard_login_success_total", Help: "Successful authentications."},
	{ID: shopguard.MetricLoginFailure, Name: "shopguard_login_failure_total", Help: "Rejected authentications."},
	{ID: shopguard.MetricLoginRateLimited, Name: "shopguard_login_rate_limited_total", Help: "Authentications refused by the login rate limit."},
	{ID: shopguard.MetricRegistration, Name: "shopguard_registration_total", Help: "Customer registrations."},
	{ID: shopguard.MetricRegistrationRateLimited, Name: "shopguard_registration_rate_limited_total", Help: "Registrations refused by the registration rate limit."},
	{ID: shopguard.MetricTokenIssued, Name: "shopguard_token_issued_total", Help: "Token pairs issued by login or rotation."},
	{ID: shopguard.MetricRefreshSuccess, Name: "shopguard_refresh_success_total", Help: "Successful refresh-token rotations."},
	{ID: shopguard.MetricRefreshFailure, Name: "shopguard_refresh_failure_total", Help: "Failed refresh-token rotations."},
	{ID: shopguard.MetricRefreshReuseDetected, Name: "shopguard_refresh_reuse_detected_total", Help: "Refresh-token replays that revoked a family."},
	{ID: shopguard.MetricLogout, Name: "shopguard_logout_total", Help: "Single-session logouts."},
	{ID: shopguard.MetricLogoutAll, Name: "shopguard_logout_all_total", Help: "Logout-everywhere operations."},
	{ID: shopguard.MetricAccessVerifyFailure, Name: "shopguard_access_verify_failure_total", Help: "Access tokens that failed verification."},
	{ID: shopguard.MetricOTPGenerated, Name: "shopguard_otp_generated_total", Help: "One-time codes generated."},
	{ID: shopguard.MetricOTPVerified, Name: "shopguard_otp_verified_total", Help: "One-time codes verified."},
	{ID: shopguard.MetricOTPFailed, Name: "shopguard_otp_failed_total", Help: "One-time code verifications that failed."},
	{ID: shopguard.MetricOTPAttemptsExceeded, Name: "shopguard_otp_attempts_exceeded_total", Help: "Challenges discarded after too many attempts."},
	{ID: shopguard.MetricOTPCooldown, Name: "shopguard_otp_cooldown_total", Help: "Code requests refused during the resend cooldown."},
	{ID: shopguard.MetricRateLimitHit, Name: "shopguard_rate_limit_hit_total", Help: "Rate-limit checks that denied a request."},
	{ID: shopguard.MetricPermissionCacheHit, Name: "shopguard_permission_cache_hit_total", Help: "Permission sets served from cache."},
	{ID: shopguard.MetricPermissionCacheMiss, Name: "shopguard_permission_cache_miss_total", Help: "Permission sets recomputed from the store."},
	{ID: shopguard.MetricPermissionDenied, Name: "shopguard_permission_denied_total", Help: "Authorization checks that denied a subject."},
	{ID: shopguard.MetricRoleNotFound, Name: "shopguard_role_not_found_total", Help: "Admin profiles referencing a missing role."},
	{ID: shopguard.MetricRoleMutation, Name: "shopguard_role_mutation_total", Help: "Role grant and override changes."},
	{ID: shopguard.MetricSubjectDeactivated, Name: "shopguard_subject_deactivated_total", Help: "Subjects deactivated."},
	{ID: shopguard.MetricSubjectDeleted, Name: "shopguard_subject_deleted_total", Help: "Subjects soft-deleted."},
	{ID: shopguard.MetricPasswordReset, Name: "shopguard_password_reset_total", Help: "Completed password resets."},
}

var HistogramDefs = []HistogramDef{
	{ID: shopguard.MetricAuthorizeLatency, Name: "shopguard_authorize_latency_seconds", Help: "Authorize latency."},
}

// BucketCount is the number of latency buckets including the unbounded one.
const BucketCount = len(shopguard.HistogramBuckets) + 1

// UpperBounds returns the finite bucket bounds in seconds.
func UpperBounds() []float64 {
	out := make([]float64, len(shopguard.HistogramBuckets))
	for i, d := range shopguard.HistogramBuckets {
		out[i] = d.Seconds()
	}
	return out
}

// BoundSuffix renders a bucket bound for use in an instrument name, for
// example 0.005 becomes "0_005" and the unbounded bucket becomes "inf".
func BoundSuffix(i int) string {
	if i >= len(shopguard.HistogramBuckets) {
		return "inf"
	}
	s := strconv.FormatFloat(shopguard.HistogramBuckets[i].Seconds(), 'f', -1, 64)
	return strings.ReplaceAll(s, ".", "_")
}

// NormalizeBuckets copies raw into a fixed-size array, padding with zeros.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

// Package billing implements the quota/billing admission gate consulted
// before every resource-creating endpoint. The billing provider itself is
// an external collaborator; BillingService here is the adapter interface
// the control plane calls against it.
package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/repo"
)

// BillingCheck is the result of consulting the external billing provider.
type BillingCheck struct {
	Allowed bool
	Reason  string
}

// BillingService is the adapter over the external billing provider.
type BillingService interface {
	Check(ctx context.Context, userID, category string) (BillingCheck, error)
	Track(ctx context.Context, userID, category string) error
}

// Gate composes the billing provider and the org quota repository into the
// three-step admission sequence described in §4.5.
type Gate struct {
	Billing BillingService
	Quotas  *repo.OrgQuotaRepo
}

func New(b BillingService, quotas *repo.OrgQuotaRepo) *Gate {
	return &Gate{Billing: b, Quotas: quotas}
}

// CheckBilling consults the billing service; on denial it fails with
// billing_limit.
func (g *Gate) CheckBilling(ctx context.Context, userID, category string) error {
	if g.Billing == nil {
		return nil
	}
	res, err := g.Billing.Check(ctx, userID, category)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "billing check failed", err)
	}
	if !res.Allowed {
		msg := res.Reason
		if msg == "" {
			msg = "billing limit reached"
		}
		return apierr.New(apierr.KindBillingLimit, msg)
	}
	return nil
}

// EffectiveQuota returns orgId's quota merged with defaults.
func (g *Gate) EffectiveQuota(orgID string) (repo.EffectiveOrgQuota, error) {
	q, err := g.Quotas.Get(orgID)
	if err != nil {
		return repo.EffectiveOrgQuota{}, apierr.Wrap(apierr.KindInternal, "load org quota failed", err)
	}
	return q.Effective(), nil
}

// CheckConcurrentSandboxes fails with quota_exceeded if current would meet
// or exceed the org's maxConcurrentSandboxes (0 means unlimited).
func CheckConcurrentSandboxes(current int, eq repo.EffectiveOrgQuota) error {
	if eq.MaxConcurrentSandboxes > 0 && current >= eq.MaxConcurrentSandboxes {
		return apierr.New(apierr.KindQuotaExceeded, fmt.Sprintf("concurrent sandbox limit reached (%d/%d)", current, eq.MaxConcurrentSandboxes))
	}
	return nil
}

// CheckForkDepth fails with validation_error if the next depth would
// exceed the org's maxForkDepth; this is a bounded parameter, not a hard
// quota, per §4.5.
func CheckForkDepth(nextDepth int, eq repo.EffectiveOrgQuota) error {
	if eq.MaxForkDepth > 0 && nextDepth > eq.MaxForkDepth {
		return apierr.New(apierr.KindValidation, fmt.Sprintf("fork depth %d exceeds maximum %d", nextDepth, eq.MaxForkDepth))
	}
	return nil
}

// CheckSessionsPerSandbox fails with quota_exceeded.
func CheckSessionsPerSandbox(current int, eq repo.EffectiveOrgQuota) error {
	if eq.MaxSessionsPerSandbox > 0 && current >= eq.MaxSessionsPerSandbox {
		return apierr.New(apierr.KindQuotaExceeded, fmt.Sprintf("session limit reached (%d/%d)", current, eq.MaxSessionsPerSandbox))
	}
	return nil
}

// CheckExecTimeout fails with validation_error when timeoutSeconds exceeds
// the org's maxExecTimeoutSeconds.
func CheckExecTimeout(timeoutSeconds int, eq repo.EffectiveOrgQuota) error {
	if eq.MaxExecTimeoutSeconds > 0 && timeoutSeconds > eq.MaxExecTimeoutSeconds {
		return apierr.New(apierr.KindValidation, fmt.Sprintf("timeout_seconds %d exceeds maximum %d", timeoutSeconds, eq.MaxExecTimeoutSeconds))
	}
	return nil
}

// CheckFileBytes fails with quota_exceeded.
func CheckFileBytes(size int64, eq repo.EffectiveOrgQuota) error {
	if eq.MaxFileBytes > 0 && size > eq.MaxFileBytes {
		return apierr.New(apierr.KindQuotaExceeded, fmt.Sprintf("file size %d exceeds maximum %d", size, eq.MaxFileBytes))
	}
	return nil
}

// CheckArtifactBytes fails with quota_exceeded.
func CheckArtifactBytes(currentTotal, adding int64, eq repo.EffectiveOrgQuota) error {
	if eq.MaxArtifactBytesPerOrg > 0 && currentTotal+adding > eq.MaxArtifactBytesPerOrg {
		return apierr.New(apierr.KindQuotaExceeded, fmt.Sprintf("artifact storage limit exceeded (%d+%d > %d)", currentTotal, adding, eq.MaxArtifactBytesPerOrg))
	}
	return nil
}

// TrackBestEffort calls Track and only logs on failure, per §4.5's "failure
// is logged, not propagated".
func (g *Gate) TrackBestEffort(ctx context.Context, userID, category string) {
	if g.Billing == nil {
		return
	}
	if err := g.Billing.Track(ctx, userID, category); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("category", category).Msg("billing track failed")
	}
}

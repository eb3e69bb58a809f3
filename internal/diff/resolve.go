package diff

import (
	"context"
	"fmt"
	"time"

	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
)

// ConfirmFunc asks the operator to acknowledge one finding. Returning false
// or an error aborts the run.
type ConfirmFunc func(ctx context.Context, f Finding) (bool, error)

// Resolve presents every data-loss and warning finding to confirm, one at a
// time in presentation order, and stops at the first one not acknowledged.
// Informational findings are logged but never prompted. Cancellation of ctx
// while waiting counts as an abort.
func Resolve(ctx context.Context, result *Result, confirm ConfirmFunc, logger *logging.Logger) ([]Decision, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	for _, f := range result.Findings {
		if !f.Severity.RequiresConfirmation() {
			logger.WithFields(map[string]interface{}{
				"table":    f.Table,
				"severity": f.Severity,
			}).Info(f.Message)
		}
	}

	pending := result.Pending()
	if len(pending) == 0 {
		logger.Info("No differences require confirmation")
		return nil, nil
	}
	if lost := result.AccountsLost(); lost > 0 {
		logger.WithField("accounts_lost", lost).Warn("Identity records were lost")
	}

	decisions := make([]Decision, 0, len(pending))
	for i, f := range pending {
		fields := map[string]interface{}{
			"table":    f.Table,
			"severity": f.Severity,
			"category": f.Category.String(),
			"finding":  fmt.Sprintf("%d/%d", i+1, len(pending)),
		}
		logger.WithFields(fields).Warn(f.Message)

		if err := ctx.Err(); err != nil {
			return decisions, errors.NewAborted(fmt.Sprintf("confirmation of %s finding canceled", f.Table), err)
		}

		ok, err := confirm(ctx, f)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		decisions = append(decisions, Decision{Finding: f, Acknowledged: ok && err == nil, DecidedAt: time.Now().UTC()})

		if err != nil {
			logger.WithFields(fields).WithError(err).Error("Confirmation failed")
			return decisions, errors.NewAborted(fmt.Sprintf("confirmation of %s finding failed", f.Table), err)
		}
		if !ok {
			logger.WithFields(fields).Error("Finding not acknowledged; aborting")
			return decisions, errors.NewAborted(
				fmt.Sprintf("operator did not acknowledge %s finding on %s: %s", f.Severity, f.Table, f.Message), nil)
		}
		logger.WithFields(fields).Info("Finding acknowledged")
	}
	return decisions, nil
}

// Scripted returns a ConfirmFunc that answers from a fixed list and refuses
// once the list is exhausted
func Scripted(answers ...bool) ConfirmFunc {
	i := 0
	return func(ctx context.Context, f Finding) (bool, error) {
		if i >= len(answers) {
			return false, nil
		}
		a := answers[i]
		i++
		return a, nil
	}
}

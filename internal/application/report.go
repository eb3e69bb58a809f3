package application

import (
	stderrors "errors"
	"fmt"
	"io"

	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
)

// ReportError prints a user facing error with troubleshooting hints and logs
// the details
func ReportError(w io.Writer, logger *logging.Logger, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(w, "Error: %s\n", errors.FormatUserError(err))

	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return
	}
	if logger != nil {
		logger.WithFields(map[string]interface{}{
			"error_type": string(appErr.Type),
			"context":    appErr.Context,
		}).Error("Execution failed")
	}

	hints := troubleshootingHints(appErr.Type)
	if len(hints) == 0 {
		return
	}
	fmt.Fprintf(w, "\nTroubleshooting hints:\n")
	for _, h := range hints {
		fmt.Fprintf(w, "- %s\n", h)
	}
}

func troubleshootingHints(t errors.ErrorType) []string {
	switch t {
	case errors.ErrorTypeFatalPrecondition:
		return []string{
			"Nothing was changed; fix the failed checks and run again",
			"Run 'migration-guard preflight' to re-check the environment",
		}
	case errors.ErrorTypeArtifactFailure:
		return []string{
			"Partial artifacts were left in the backup directory for inspection",
			"Check free space and permissions at the backup destination",
			"Run 'migration-guard backup verify <dir>' before relying on an existing backup",
		}
	case errors.ErrorTypeAborted:
		return []string{
			"The backup set is intact and can be restored with 'migration-guard restore <dir>'",
			"Compare the snapshots again with 'migration-guard snapshot compare'",
		}
	case errors.ErrorTypeMetricsMismatch:
		return []string{
			"Headline counts differ from the values captured before the upgrade",
			"Inspect the run log and consider restoring the backup set",
		}
	case errors.ErrorTypeConnection:
		return []string{
			"Check that the database server is running",
			"Verify the socket path, host and port are correct",
			"Ensure the privileged user can log in over the local socket",
		}
	case errors.ErrorTypePermission:
		return []string{
			"Verify the service account password in the secret bundle",
			"Check that the user has the required privileges",
			"Check file permissions on the secret bundle and key",
		}
	case errors.ErrorTypeValidation:
		return []string{
			"Review the configuration file and command line arguments",
			"Run 'migration-guard config' for a sample configuration",
		}
	case errors.ErrorTypeTimeout:
		return []string{
			"The operation may be taking longer than expected",
			"Try increasing the database or secret tool timeout",
		}
	case errors.ErrorTypeSQL:
		return []string{
			"Check that the catalog matches the tables in the datastore",
			"Verify database permissions for the backed-up tables",
		}
	}
	return nil
}

package errs

import (
	"errors"
	"fmt"

	"github.com/davidpede/authAzureAD/sdk/id"
	"github.com/hashicorp/go-hclog"
)

// Severity is the log severity of a classified error.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	default:
		return "warning"
	}
}

// CorrelationPrefix prefixes every correlation id handed out by Log.
const CorrelationPrefix = "AAZ"

// Classify returns SeverityError for identity provider errors and for any
// error flagged fatal, and SeverityWarning for everything else.
func Classify(err error) Severity {
	if err == nil {
		return SeverityWarning
	}
	if errors.Is(err, ErrProvider) || IsFatal(err) {
		return SeverityError
	}
	return SeverityWarning
}

// Log classifies err and logs it with its severity, message and a fresh
// correlation id, which is returned so it can be shown to the user. When
// fatal is true the error is logged at error severity regardless of its
// classification.
func Log(logger hclog.Logger, err error, fatal bool) string {
	if err == nil {
		return ""
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	correlationID, idErr := id.New(CorrelationPrefix)
	if idErr != nil {
		// still log the original failure, just without a usable id
		correlationID = fmt.Sprintf("%s_unavailable", CorrelationPrefix)
	}
	sev := Classify(err)
	if fatal {
		sev = SeverityError
	}
	args := []interface{}{"error", err.Error(), "error_id", correlationID, "fatal", fatal}
	var e *Error
	if errors.As(err, &e) && e.Op != "" {
		args = append(args, "op", e.Op)
	}
	switch sev {
	case SeverityError:
		logger.Error("authentication failure", args...)
	default:
		logger.Warn("authentication degraded", args...)
	}
	return correlationID
}

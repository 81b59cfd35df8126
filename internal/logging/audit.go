package logging

import "time"

// Audit outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Audit records an operator-initiated change, such as an assignment or a
// tunnel connect. It logs at warn so a quiet configuration still keeps it.
// attrs are extra key/value pairs in slog form.
func (l *Logger) Audit(action, subject string, err error, attrs ...any) {
	args := make([]any, 0, 10+len(attrs))
	args = append(args,
		"audit", true,
		"action", action,
		"subject", subject,
		"at", time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		args = append(args, "outcome", OutcomeFailed, "error", err.Error())
	} else {
		args = append(args, "outcome", OutcomeOK)
	}
	args = append(args, attrs...)
	l.Warn("audit", args...)
}

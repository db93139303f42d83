package executor

import "context"

// Prober reports which process currently owns the user's screen. The
// answer feeds foreground guardrails; an empty string means unknown.
type Prober interface {
	ForegroundProcess(ctx context.Context) (string, error)
}

type noProbe struct{}

func (noProbe) ForegroundProcess(context.Context) (string, error) { return "", nil }

// NoProbe is a prober that never knows the foreground process. Policies
// that require a specific foreground then deny, which is the safe
// answer on hosts without a desktop session.
func NoProbe() Prober { return noProbe{} }

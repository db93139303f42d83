// Package contracts defines the wire-level vocabulary of the brainstem:
// intent proposals, ingestion payloads, closed value sets and the
// validation rules applied at the HTTP boundary.
package contracts

// SchemaVersion is the only accepted intent proposal schema version.
const SchemaVersion = "1.0"

// MaxProposedActions caps actions per intent proposal.
const MaxProposedActions = 10

// MaxClarificationQuestions caps clarification questions per proposal.
const MaxClarificationQuestions = 3

var (
	// ModeSet is the closed set of interaction modes.
	ModeSet = map[string]bool{"game": true, "work": true, "standby": true, "tutor": true}

	// DomainSet is the closed set of request domains.
	DomainSet = map[string]bool{
		"gameplay":       true,
		"lore":           true,
		"astrophysics":   true,
		"general_gaming": true,
		"coding":         true,
		"networking":     true,
		"system":         true,
		"music":          true,
		"speech":         true,
		"general":        true,
	}

	// UrgencySet is the closed set of urgency levels.
	UrgencySet = map[string]bool{"low": true, "normal": true, "high": true}

	// SafetySet is the closed set of action safety levels.
	SafetySet = map[string]bool{"read_only": true, "low_risk": true, "high_risk": true}
)

// StateKeyPrefixes lists the namespaces accepted for state ingestion keys.
var StateKeyPrefixes = []string{"ed.", "music.", "hw.", "policy.", "ai."}

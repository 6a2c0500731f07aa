// Package policy decides whether an identity credential is fresh enough for a
// requested action. Freshness is judged per action kind, not globally: a stale
// address proof is acceptable for low-stakes actions but not for government
// delivery.
package policy

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ActionKind identifies the class of civic action being attempted.
type ActionKind string

const (
	ActionCongressionalDelivery ActionKind = "congressional_delivery"
	ActionLocalDelivery         ActionKind = "local_delivery"
	ActionPetitionSign          ActionKind = "petition_sign"
	ActionTemplateDraft         ActionKind = "template_draft"
)

// Credential is the identity credential produced by the out-of-scope
// verification step. Only its creation time matters here.
type Credential struct {
	CreatedAt time.Time
}

// Decision is the result of a freshness check, with enough structure for the
// caller to build a precise client-facing message.
type Decision struct {
	Valid  bool
	Age    time.Duration
	MaxAge time.Duration
}

// Table maps action kinds to maximum credential ages.
type Table map[ActionKind]time.Duration

// DefaultTable returns the standard freshness limits.
func DefaultTable() Table {
	return Table{
		ActionCongressionalDelivery: 30 * 24 * time.Hour,
		ActionLocalDelivery:         90 * 24 * time.Hour,
		ActionPetitionSign:          180 * 24 * time.Hour,
		ActionTemplateDraft:         365 * 24 * time.Hour,
	}
}

// tableFile is the yaml shape: action kind -> max age as a Go duration string.
type tableFile map[string]string

// ParseTable loads a freshness table from yaml, e.g.
//
//	congressional_delivery: 720h
//	petition_sign: 4320h
func ParseTable(data []byte) (Table, error) {
	var raw tableFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing policy table: %w", err)
	}

	table := make(Table, len(raw))
	for kind, ageStr := range raw {
		age, err := time.ParseDuration(ageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid max age for %q: %w", kind, err)
		}
		table[ActionKind(kind)] = age
	}
	return table, nil
}

// IsCredentialValidForAction checks the credential's age against the action
// kind's maximum. Unknown action kinds are invalid with a zero max age.
// Pure function: no I/O, no clock access beyond the now argument.
func (t Table) IsCredentialValidForAction(cred Credential, kind ActionKind, now time.Time) Decision {
	maxAge, ok := t[kind]
	if !ok {
		return Decision{Valid: false, Age: now.Sub(cred.CreatedAt), MaxAge: 0}
	}

	age := now.Sub(cred.CreatedAt)
	return Decision{
		Valid:  age >= 0 && age <= maxAge,
		Age:    age,
		MaxAge: maxAge,
	}
}

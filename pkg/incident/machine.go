package incident

import (
	"fmt"

	"github.com/opx-platform/opx-core/pkg/contracts"
)

// transitions maps each action to its legal source states and target state.
// ANNOTATE is the self-loop: any non-closed state re-enters itself.
var transitions = map[contracts.IncidentAction]struct {
	from []contracts.IncidentState
	to   contracts.IncidentState
}{
	contracts.ActionOpen: {
		from: []contracts.IncidentState{contracts.StatePending},
		to:   contracts.StateOpen,
	},
	contracts.ActionAcknowledge: {
		from: []contracts.IncidentState{contracts.StateOpen},
		to:   contracts.StateAcknowledged,
	},
	contracts.ActionMitigate: {
		from: []contracts.IncidentState{contracts.StateAcknowledged},
		to:   contracts.StateMitigated,
	},
	contracts.ActionResolve: {
		from: []contracts.IncidentState{contracts.StateMitigated},
		to:   contracts.StateResolved,
	},
	contracts.ActionClose: {
		from: []contracts.IncidentState{contracts.StateResolved},
		to:   contracts.StateClosed,
	},
}

// NextState validates action legality from the current state and returns the
// resulting state. ANNOTATE keeps the current state.
func NextState(current contracts.IncidentState, action contracts.IncidentAction) (contracts.IncidentState, error) {
	if current == contracts.StateClosed {
		return "", contracts.NewError(contracts.KindIllegalTransition, contracts.CodeIllegalTransition,
			"closed incidents accept no transitions").WithDetail("state", string(current))
	}
	if action == contracts.ActionAnnotate {
		return current, nil
	}
	tr, ok := transitions[action]
	if !ok {
		return "", contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			fmt.Sprintf("unknown action %s", action)).WithField("action")
	}
	for _, from := range tr.from {
		if from == current {
			return tr.to, nil
		}
	}
	return "", contracts.NewError(contracts.KindIllegalTransition, contracts.CodeIllegalTransition,
		fmt.Sprintf("cannot %s from %s", action, current)).
		WithDetail("state", string(current)).
		WithDetail("action", string(action))
}

// CheckAuthority enforces the action x severity authority matrix. OPEN is
// the only mutation an AUTO_ENGINE may perform; MITIGATE and CLOSE need a
// human; RESOLVE on a SEV1 needs the on-call SRE or an emergency override.
func CheckAuthority(action contracts.IncidentAction, severity contracts.Severity, authority contracts.Authority) error {
	if !authority.Type.Valid() {
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"unknown authority type").WithField("authorityType")
	}

	forbidden := func() error {
		return contracts.NewError(contracts.KindAuthority, contracts.CodeAuthorityForbidden,
			fmt.Sprintf("authority type %s may not %s a %s incident", authority.Type, action, severity)).
			WithDetail("action", string(action)).
			WithDetail("severity", string(severity))
	}

	switch action {
	case contracts.ActionOpen, contracts.ActionAnnotate, contracts.ActionAcknowledge:
		return nil
	case contracts.ActionMitigate, contracts.ActionClose:
		if !authority.Type.Human() {
			return forbidden()
		}
		return nil
	case contracts.ActionResolve:
		if severity == contracts.SeveritySEV1 {
			if authority.Type != contracts.AuthorityOnCallSRE && authority.Type != contracts.AuthorityEmergencyOverride {
				return forbidden()
			}
			return nil
		}
		if !authority.Type.Human() {
			return forbidden()
		}
		return nil
	default:
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			fmt.Sprintf("unknown action %s", action)).WithField("action")
	}
}

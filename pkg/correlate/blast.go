package correlate

import (
	"strings"

	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
)

// Resource types treated as infrastructure rather than a single service.
var infraRefTypes = map[string]struct{}{
	"vpc":           {},
	"subnet":        {},
	"load_balancer": {},
	"dns":           {},
	"database":      {},
	"cluster":       {},
}

// EstimateBlastRadius classifies candidate reach from the underlying
// signals. All sources equal means SINGLE_SERVICE; otherwise MULTI_SERVICE,
// upgraded to INFRASTRUCTURE when any signal targets an infra resource. The
// impact band follows the maximum severity.
func EstimateBlastRadius(signals []contracts.Signal, maxSev contracts.Severity) contracts.BlastRadius {
	services := make([]string, 0, len(signals))
	infra := false
	for _, s := range signals {
		services = append(services, s.Source)
		for _, ref := range s.ResourceRefs {
			if _, ok := infraRefTypes[strings.ToLower(ref.RefType)]; ok {
				infra = true
			}
		}
	}
	services = canonical.DedupeSorted(services)

	scope := contracts.ScopeSingleService
	if len(services) > 1 {
		scope = contracts.ScopeMultiService
	}
	if infra {
		scope = contracts.ScopeInfrastructure
	}

	return contracts.BlastRadius{
		Scope:            scope,
		AffectedServices: services,
		EstimatedImpact:  impactBand(maxSev),
	}
}

func impactBand(sev contracts.Severity) string {
	switch sev {
	case contracts.SeveritySEV1:
		return "CRITICAL"
	case contracts.SeveritySEV2:
		return "HIGH"
	case contracts.SeveritySEV3:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

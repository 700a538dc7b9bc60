package canonical

import (
	"sort"
	"strings"
)

// hashJoined hashes parts joined with "|". All ID derivations reduce to this
// primitive so the concatenation contract stays in one place.
func hashJoined(parts ...string) string {
	return SHA256Hex([]byte(strings.Join(parts, "|")))
}

// sortedCopy returns a lexically sorted copy of ids.
func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}

// DedupeSorted returns the sorted unique elements of ids.
func DedupeSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ComputeDetectionID derives a detection identity.
//
// Input: SHA256(ruleId | ruleVersion | normalizedSignalId).
func ComputeDetectionID(ruleID, ruleVersion, normalizedSignalID string) string {
	return hashJoined(ruleID, ruleVersion, normalizedSignalID)
}

// ComputeGraphID derives an evidence graph identity.
//
// Input: SHA256(sorted detectionIds joined "," | sorted unique signalIds joined ",").
func ComputeGraphID(detectionIDs, signalIDs []string) string {
	return hashJoined(
		strings.Join(sortedCopy(detectionIDs), ","),
		strings.Join(DedupeSorted(signalIDs), ","),
	)
}

// ComputeCorrelationKey derives the grouping key of a correlation.
//
// Input: SHA256(correlationRuleId | correlationRuleVersion | JCS(resolvedKeyFields)).
// Detection IDs are deliberately excluded so detections arriving in later
// windows group under the same key.
func ComputeCorrelationKey(ruleID, ruleVersion string, keyFields map[string]string) (string, error) {
	kf, err := JCS(keyFields)
	if err != nil {
		return "", err
	}
	return hashJoined(ruleID, ruleVersion, string(kf)), nil
}

// ComputeCandidateID derives a candidate identity.
//
// Input: SHA256(sorted detectionIds joined "," | correlationRuleId |
// correlationRuleVersion | JCS(resolvedKeyFields)). The key fields are part
// of the hash, so two rules sharing detections produce different candidates.
func ComputeCandidateID(detectionIDs []string, ruleID, ruleVersion string, keyFields map[string]string) (string, error) {
	kf, err := JCS(keyFields)
	if err != nil {
		return "", err
	}
	return hashJoined(
		strings.Join(sortedCopy(detectionIDs), ","),
		ruleID,
		ruleVersion,
		string(kf),
	), nil
}

// ComputeDecisionID derives a promotion decision identity.
//
// Input: SHA256(candidateId | policyId | policyVersion | requestContextHash).
// The authority is deliberately excluded: two authorities submitting
// identical requests converge on the same decision.
func ComputeDecisionID(candidateID, policyID, policyVersion, requestContextHash string) string {
	return hashJoined(candidateID, policyID, policyVersion, requestContextHash)
}

// ComputeDecisionHash derives the integrity hash of a committed decision.
//
// Input: SHA256(decision | reason | policyVersion | candidateId).
func ComputeDecisionHash(decision, reason, policyVersion, candidateID string) string {
	return hashJoined(decision, reason, policyVersion, candidateID)
}

// ComputeIncidentID derives an incident identity.
//
// Input: SHA256(service | evidenceId). Evidence-derived; wall-clock time of
// promotion never enters the hash.
func ComputeIncidentID(service, evidenceID string) string {
	return hashJoined(service, evidenceID)
}

// ComputeOutcomeID derives an outcome identity.
//
// Input: SHA256(incidentId | closedAt) with closedAt rendered as ISO-8601
// UTC at millisecond precision.
func ComputeOutcomeID(incidentID, closedAtISO string) string {
	return hashJoined(incidentID, closedAtISO)
}

// ComputeSummaryID derives a resolution summary identity.
//
// Input: SHA256(service | startDate | endDate).
func ComputeSummaryID(service, startDate, endDate string) string {
	return hashJoined(service, startDate, endDate)
}

package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var (
	// ErrRuleNotFound is returned when no rule exists at id@version.
	ErrRuleNotFound = errors.New("rules: rule not found")
)

// wildcardSignalType indexes detection rules whose matcher names no signal
// types and therefore applies to all of them.
const wildcardSignalType = "*"

// Catalog holds the loaded, frozen rule sets. The catalog is the only
// process-wide state of the core; it is built once and never mutated.
type Catalog struct {
	detection   map[string]*DetectionRule
	correlation map[string]*CorrelationRule
	policies    map[string]*PromotionPolicy

	// bySignalType is a pre-index for applicability pruning. It is a filter
	// only; final applicability always evaluates the full signalMatcher.
	bySignalType map[string][]*DetectionRule

	// latest tracks the highest semver per id, for tooling lookups only.
	latestDetection   map[string]string
	latestCorrelation map[string]string
	latestPolicy      map[string]string
}

func key(id, version string) string { return id + "@" + version }

// Load reads every catalog document under dir (one file per rule, filename
// "{id}.v{version}.yaml|.yml|.json") and fails fast on the first schema or
// consistency violation.
func Load(dir string) (*Catalog, error) {
	c := &Catalog{
		detection:         map[string]*DetectionRule{},
		correlation:       map[string]*CorrelationRule{},
		policies:          map[string]*PromotionPolicy{},
		bySignalType:      map[string][]*DetectionRule{},
		latestDetection:   map[string]string{},
		latestCorrelation: map[string]string{},
		latestPolicy:      map[string]string{},
	}

	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			return nil
		}
		return c.loadFile(path, schemas)
	})
	if err != nil {
		return nil, err
	}

	c.buildSignalTypeIndex()
	return c, nil
}

// NewStaticCatalog builds a catalog from in-memory rule sets, bypassing file
// loading. Used by embedded catalogs and tests; documents are assumed valid.
func NewStaticCatalog(detection []*DetectionRule, correlation []*CorrelationRule, policies []*PromotionPolicy) *Catalog {
	c := &Catalog{
		detection:         map[string]*DetectionRule{},
		correlation:       map[string]*CorrelationRule{},
		policies:          map[string]*PromotionPolicy{},
		bySignalType:      map[string][]*DetectionRule{},
		latestDetection:   map[string]string{},
		latestCorrelation: map[string]string{},
		latestPolicy:      map[string]string{},
	}
	for _, rule := range detection {
		c.detection[key(rule.RuleID, rule.RuleVersion)] = rule
		c.latestDetection[rule.RuleID] = newerVersion(c.latestDetection[rule.RuleID], rule.RuleVersion)
	}
	for _, rule := range correlation {
		if rule.WindowTruncation == "" {
			rule.WindowTruncation = TruncationMinute
		}
		if rule.PrimarySelection == "" {
			rule.PrimarySelection = PrimarySelectionDefault
		}
		c.correlation[key(rule.RuleID, rule.RuleVersion)] = rule
		c.latestCorrelation[rule.RuleID] = newerVersion(c.latestCorrelation[rule.RuleID], rule.RuleVersion)
	}
	for _, policy := range policies {
		c.policies[key(policy.PolicyID, policy.PolicyVersion)] = policy
		c.latestPolicy[policy.PolicyID] = newerVersion(c.latestPolicy[policy.PolicyID], policy.PolicyVersion)
	}
	c.buildSignalTypeIndex()
	return c
}

func compileSchemas() (map[Kind]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[Kind]string{
		KindDetection:   detectionSchema,
		KindCorrelation: correlationSchema,
		KindPolicy:      policySchema,
	}
	out := make(map[Kind]*jsonschema.Schema, len(sources))
	for kind, src := range sources {
		url := fmt.Sprintf("opx://rules/%s.schema.json", kind)
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("rules: schema %s: %w", kind, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("rules: compile schema %s: %w", kind, err)
		}
		out[kind] = sch
	}
	return out, nil
}

func (c *Catalog) loadFile(path string, schemas map[Kind]*jsonschema.Schema) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("rules: read %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("rules: parse %s: %w", path, err)
	}

	// Normalize through JSON so schema validation and typed decoding see the
	// same value model regardless of the source encoding.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("rules: normalize %s: %w", path, err)
	}
	var generic any
	if err := json.Unmarshal(normalized, &generic); err != nil {
		return fmt.Errorf("rules: normalize %s: %w", path, err)
	}

	kind, _ := doc["kind"].(string)
	sch, ok := schemas[Kind(kind)]
	if !ok {
		return fmt.Errorf("rules: %s: unknown kind %q", path, kind)
	}
	if err := sch.Validate(generic); err != nil {
		return fmt.Errorf("rules: %s: schema violation: %w", path, err)
	}

	fileID, fileVersion, err := parseFilename(path)
	if err != nil {
		return err
	}

	switch Kind(kind) {
	case KindDetection:
		var rule DetectionRule
		if err := json.Unmarshal(normalized, &rule); err != nil {
			return fmt.Errorf("rules: decode %s: %w", path, err)
		}
		if err := checkIdentity(path, fileID, fileVersion, rule.RuleID, rule.RuleVersion); err != nil {
			return err
		}
		c.detection[key(rule.RuleID, rule.RuleVersion)] = &rule
		c.latestDetection[rule.RuleID] = newerVersion(c.latestDetection[rule.RuleID], rule.RuleVersion)
	case KindCorrelation:
		var rule CorrelationRule
		if err := json.Unmarshal(normalized, &rule); err != nil {
			return fmt.Errorf("rules: decode %s: %w", path, err)
		}
		if err := checkIdentity(path, fileID, fileVersion, rule.RuleID, rule.RuleVersion); err != nil {
			return err
		}
		if rule.WindowTruncation == "" {
			rule.WindowTruncation = TruncationMinute
		}
		if rule.PrimarySelection == "" {
			rule.PrimarySelection = PrimarySelectionDefault
		}
		if rule.MinDetections > rule.MaxDetections {
			return fmt.Errorf("rules: %s: minDetections %d exceeds maxDetections %d",
				path, rule.MinDetections, rule.MaxDetections)
		}
		c.correlation[key(rule.RuleID, rule.RuleVersion)] = &rule
		c.latestCorrelation[rule.RuleID] = newerVersion(c.latestCorrelation[rule.RuleID], rule.RuleVersion)
	case KindPolicy:
		var policy PromotionPolicy
		if err := json.Unmarshal(normalized, &policy); err != nil {
			return fmt.Errorf("rules: decode %s: %w", path, err)
		}
		if err := checkIdentity(path, fileID, fileVersion, policy.PolicyID, policy.PolicyVersion); err != nil {
			return err
		}
		c.policies[key(policy.PolicyID, policy.PolicyVersion)] = &policy
		c.latestPolicy[policy.PolicyID] = newerVersion(c.latestPolicy[policy.PolicyID], policy.PolicyVersion)
	}
	return nil
}

// parseFilename extracts {id} and {version} from "{id}.v{version}.ext".
func parseFilename(path string) (string, string, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	idx := strings.LastIndex(base, ".v")
	if idx <= 0 {
		return "", "", fmt.Errorf("rules: %s: filename must be {id}.v{version}.ext", path)
	}
	id, version := base[:idx], base[idx+2:]
	if _, err := semver.StrictNewVersion(version); err != nil {
		return "", "", fmt.Errorf("rules: %s: invalid semver %q: %w", path, version, err)
	}
	return id, version, nil
}

func checkIdentity(path, fileID, fileVersion, docID, docVersion string) error {
	if fileID != docID || fileVersion != docVersion {
		return fmt.Errorf("rules: %s: filename identity %s@%s does not match document %s@%s",
			path, fileID, fileVersion, docID, docVersion)
	}
	if _, err := semver.StrictNewVersion(docVersion); err != nil {
		return fmt.Errorf("rules: %s: invalid semver %q: %w", path, docVersion, err)
	}
	return nil
}

func newerVersion(current, candidate string) string {
	if current == "" {
		return candidate
	}
	cv, err1 := semver.StrictNewVersion(current)
	nv, err2 := semver.StrictNewVersion(candidate)
	if err1 != nil || err2 != nil {
		return current
	}
	if nv.GreaterThan(cv) {
		return candidate
	}
	return current
}

func (c *Catalog) buildSignalTypeIndex() {
	for _, rule := range c.detection {
		if len(rule.Matcher.SignalTypes) == 0 {
			c.bySignalType[wildcardSignalType] = append(c.bySignalType[wildcardSignalType], rule)
			continue
		}
		for _, st := range rule.Matcher.SignalTypes {
			c.bySignalType[st] = append(c.bySignalType[st], rule)
		}
	}
	for st := range c.bySignalType {
		sortRules(c.bySignalType[st])
	}
}

func sortRules(rs []*DetectionRule) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].RuleID != rs[j].RuleID {
			return rs[i].RuleID < rs[j].RuleID
		}
		return rs[i].RuleVersion < rs[j].RuleVersion
	})
}

// DetectionRule returns the detection rule at id@version. Runtime evaluation
// paths must use this pinned lookup.
func (c *Catalog) DetectionRule(id, version string) (*DetectionRule, error) {
	rule, ok := c.detection[key(id, version)]
	if !ok {
		return nil, fmt.Errorf("%w: detection %s@%s", ErrRuleNotFound, id, version)
	}
	return rule, nil
}

// CorrelationRule returns the correlation rule at id@version.
func (c *Catalog) CorrelationRule(id, version string) (*CorrelationRule, error) {
	rule, ok := c.correlation[key(id, version)]
	if !ok {
		return nil, fmt.Errorf("%w: correlation %s@%s", ErrRuleNotFound, id, version)
	}
	return rule, nil
}

// Policy returns the promotion policy at id@version. Production evaluation
// always pins the version; "latest" is tooling only.
func (c *Catalog) Policy(id, version string) (*PromotionPolicy, error) {
	policy, ok := c.policies[key(id, version)]
	if !ok {
		return nil, fmt.Errorf("%w: policy %s@%s", ErrRuleNotFound, id, version)
	}
	return policy, nil
}

// CorrelationRules returns all enabled correlation rules in deterministic
// order.
func (c *Catalog) CorrelationRules() []*CorrelationRule {
	out := make([]*CorrelationRule, 0, len(c.correlation))
	for _, rule := range c.correlation {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].RuleVersion < out[j].RuleVersion
	})
	return out
}

// DetectionRules returns all detection rules in deterministic order.
func (c *Catalog) DetectionRules() []*DetectionRule {
	out := make([]*DetectionRule, 0, len(c.detection))
	for _, rule := range c.detection {
		out = append(out, rule)
	}
	sortRules(out)
	return out
}

// Policies returns all promotion policies in deterministic order.
func (c *Catalog) Policies() []*PromotionPolicy {
	out := make([]*PromotionPolicy, 0, len(c.policies))
	for _, policy := range c.policies {
		out = append(out, policy)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PolicyID != out[j].PolicyID {
			return out[i].PolicyID < out[j].PolicyID
		}
		return out[i].PolicyVersion < out[j].PolicyVersion
	})
	return out
}

// DetectionRulesForSignalType returns the pre-indexed applicable rules for a
// signal type. The index is a pruning filter, not a decision: callers still
// evaluate the full signalMatcher.
func (c *Catalog) DetectionRulesForSignalType(signalType string) []*DetectionRule {
	specific := c.bySignalType[signalType]
	wildcard := c.bySignalType[wildcardSignalType]
	out := make([]*DetectionRule, 0, len(specific)+len(wildcard))
	out = append(out, specific...)
	out = append(out, wildcard...)
	sortRules(out)
	return out
}

// LatestDetectionRule resolves the highest version of id.
//
// Tooling only: evaluation paths must never resolve "latest", it would break
// replay determinism.
func (c *Catalog) LatestDetectionRule(id string) (*DetectionRule, error) {
	version, ok := c.latestDetection[id]
	if !ok {
		return nil, fmt.Errorf("%w: detection %s", ErrRuleNotFound, id)
	}
	return c.DetectionRule(id, version)
}

// LatestPolicy resolves the highest version of id. Tooling only, as with
// LatestDetectionRule.
func (c *Catalog) LatestPolicy(id string) (*PromotionPolicy, error) {
	version, ok := c.latestPolicy[id]
	if !ok {
		return nil, fmt.Errorf("%w: policy %s", ErrRuleNotFound, id)
	}
	return c.Policy(id, version)
}

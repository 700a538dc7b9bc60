package rules

// JSON Schemas enforced at catalog load. A document that fails its schema
// aborts startup; there is no partial catalog.

const detectionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "ruleId", "ruleVersion", "signalMatcher", "conditions", "outputSeverity", "outputConfidence"],
  "properties": {
    "kind": {"const": "detection"},
    "ruleId": {"type": "string", "minLength": 1},
    "ruleVersion": {"type": "string", "minLength": 1},
    "signalMatcher": {
      "type": "object",
      "properties": {
        "signalTypes": {"type": "array", "items": {"type": "string"}},
        "sources": {"type": "array", "items": {"type": "string"}},
        "severities": {"type": "array", "items": {"enum": ["SEV1", "SEV2", "SEV3", "SEV4", "SEV5"]}},
        "confidences": {"type": "array", "items": {"enum": ["LOW", "MEDIUM", "HIGH", "DEFINITIVE"]}}
      }
    },
    "conditions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field", "operator"],
        "properties": {
          "field": {"type": "string", "minLength": 1},
          "operator": {"enum": ["eq", "neq", "in", "notIn", "gt", "ge", "lt", "le", "exists", "regex", "startsWith", "endsWith"]}
        }
      }
    },
    "outputSeverity": {"enum": ["SEV1", "SEV2", "SEV3", "SEV4", "SEV5"]},
    "outputConfidence": {"enum": ["LOW", "MEDIUM", "HIGH", "DEFINITIVE"]}
  }
}`

const correlationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "ruleId", "ruleVersion", "windowMinutes", "minDetections", "maxDetections", "keyFields"],
  "properties": {
    "kind": {"const": "correlation"},
    "ruleId": {"type": "string", "minLength": 1},
    "ruleVersion": {"type": "string", "minLength": 1},
    "enabled": {"type": "boolean"},
    "windowMinutes": {"type": "integer", "minimum": 1, "maximum": 1440},
    "windowTruncation": {"enum": ["minute", "hour"]},
    "minDetections": {"type": "integer", "minimum": 1},
    "maxDetections": {"type": "integer", "minimum": 1, "maximum": 100},
    "keyFields": {
      "type": "array",
      "minItems": 1,
      "items": {"enum": ["service", "source", "ruleId", "windowTruncated"]}
    },
    "primarySelection": {"enum": ["HIGHEST_SEVERITY_THEN_EARLIEST_THEN_LEXICAL"]}
  }
}`

const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "policyId", "policyVersion", "eligibility", "authorityRestrictions"],
  "properties": {
    "kind": {"const": "policy"},
    "policyId": {"type": "string", "minLength": 1},
    "policyVersion": {"type": "string", "minLength": 1},
    "eligibility": {
      "type": "object",
      "required": ["minConfidence", "minDetections"],
      "properties": {
        "minConfidence": {"type": "number", "minimum": 0, "maximum": 1},
        "allowedSeverities": {"type": "array", "items": {"enum": ["SEV1", "SEV2", "SEV3", "SEV4", "SEV5"]}},
        "minDetections": {"type": "integer", "minimum": 1},
        "maxAgeMinutes": {"type": "integer", "minimum": 0}
      }
    },
    "authorityRestrictions": {
      "type": "object",
      "required": ["allowedAuthorities"],
      "properties": {
        "allowedAuthorities": {
          "type": "array",
          "minItems": 1,
          "items": {"enum": ["AUTO_ENGINE", "HUMAN_OPERATOR", "ON_CALL_SRE", "EMERGENCY_OVERRIDE"]}
        }
      }
    },
    "deferralConditions": {"$ref": "#/$defs/conditions"},
    "rejectionConditions": {"$ref": "#/$defs/conditions"},
    "cooldownMinutes": {"type": "integer", "minimum": 0}
  },
  "$defs": {
    "conditions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expression"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "expression": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

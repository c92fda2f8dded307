package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/sift/pkg/plugin"
)

var validate = validator.New()

// RuleMatch holds the match criteria of a declarative rule. All patterns are
// case-insensitive.
type RuleMatch struct {
	// Regex is matched against the entity content.
	Regex string `json:"regex,omitempty" yaml:"regex,omitempty"`

	// Contains is a substring searched for in the entity content.
	Contains string `json:"contains,omitempty" yaml:"contains,omitempty"`

	// Sender is a regex matched against metadata["sender"].
	Sender string `json:"sender,omitempty" yaml:"sender,omitempty"`
}

func (m RuleMatch) empty() bool {
	return m.Regex == "" && m.Contains == "" && m.Sender == ""
}

// RuleDefinition is a declarative classification rule as read from a rule file.
type RuleDefinition struct {
	Name        string    `json:"name" yaml:"name" validate:"required"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Match       RuleMatch `json:"match" yaml:"match"`
	Type        string    `json:"type" yaml:"type" validate:"required"`
	Confidence  *float64  `json:"confidence,omitempty" yaml:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Tags        []string  `json:"tags,omitempty" yaml:"tags,omitempty" validate:"dive,required"`
}

// Validate checks the definition without compiling it.
func (d RuleDefinition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("rule %q: %w", d.Name, err)
	}
	if d.Match.empty() {
		return fmt.Errorf("rule %q: match requires at least one of regex, contains or sender", d.Name)
	}
	return nil
}

// RuleClassifier is a compiled RuleDefinition.
type RuleClassifier struct {
	def      RuleDefinition
	regex    *regexp.Regexp
	contains string
	sender   *regexp.Regexp
}

// CompileRule validates a definition and compiles its patterns.
func CompileRule(def RuleDefinition) (*RuleClassifier, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	rc := &RuleClassifier{
		def:      def,
		contains: strings.ToLower(def.Match.Contains),
	}

	var err error
	if def.Match.Regex != "" {
		if rc.regex, err = regexp.Compile("(?i)" + def.Match.Regex); err != nil {
			return nil, fmt.Errorf("rule %q: invalid regex: %w", def.Name, err)
		}
	}
	if def.Match.Sender != "" {
		if rc.sender, err = regexp.Compile("(?i)" + def.Match.Sender); err != nil {
			return nil, fmt.Errorf("rule %q: invalid sender regex: %w", def.Name, err)
		}
	}

	return rc, nil
}

// ID returns "rule:<name>".
func (r *RuleClassifier) ID() string { return "rule:" + r.def.Name }

// Name returns the rule name.
func (r *RuleClassifier) Name() string { return r.def.Name }

// Description returns the rule description.
func (r *RuleClassifier) Description() string { return r.def.Description }

// Definition returns the source definition.
func (r *RuleClassifier) Definition() RuleDefinition { return r.def }

// Classify returns the rule's classification when any criterion matches.
// Criteria are checked in order: content regex, content substring, sender regex.
func (r *RuleClassifier) Classify(_ context.Context, e plugin.Entity, _ plugin.ClassifyContext) (*plugin.ClassificationOutput, error) {
	if r.matches(e) {
		return r.output(), nil
	}
	return nil, nil
}

func (r *RuleClassifier) matches(e plugin.Entity) bool {
	if r.regex != nil && r.regex.MatchString(e.Content) {
		return true
	}
	if r.contains != "" && strings.Contains(strings.ToLower(e.Content), r.contains) {
		return true
	}
	if r.sender != nil {
		if sender, ok := e.MetadataString("sender"); ok && r.sender.MatchString(sender) {
			return true
		}
	}
	return false
}

func (r *RuleClassifier) output() *plugin.ClassificationOutput {
	conf := 1.0
	if r.def.Confidence != nil {
		conf = *r.def.Confidence
	}
	return &plugin.ClassificationOutput{
		Type:       r.def.Type,
		Confidence: &conf,
		Tags:       append([]string(nil), r.def.Tags...),
	}
}

// Rule file formats by extension.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
	FormatCUE  = "cue"
)

// RuleFormat returns the rule format for a path, or "" when it is not a rule file.
func RuleFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	case ".cue":
		return FormatCUE
	default:
		return ""
	}
}

// ParseRules decodes rule definitions in the given format. The document holds
// either a single rule, a list of rules, or an object with a "rules" list.
func ParseRules(format string, data []byte) ([]RuleDefinition, error) {
	var doc any

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	case FormatCUE:
		val := cuecontext.New().CompileBytes(data)
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("failed to compile CUE: %w", err)
		}
		if err := val.Validate(cue.Concrete(true)); err != nil {
			return nil, fmt.Errorf("CUE rules are not concrete: %w", err)
		}
		raw, err := val.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to export CUE: %w", err)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode exported CUE: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rule format: %q", format)
	}

	if m, ok := doc.(map[string]any); ok {
		if rules, ok := m["rules"]; ok {
			doc = rules
		}
	}

	// Round-trip through JSON so every format shares one set of field tags.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize rules: %w", err)
	}

	var defs []RuleDefinition
	switch doc.(type) {
	case []any:
		if err := json.Unmarshal(raw, &defs); err != nil {
			return nil, fmt.Errorf("failed to decode rules: %w", err)
		}
	case map[string]any:
		var def RuleDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		defs = []RuleDefinition{def}
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("rule document must be an object or a list, got %T", doc)
	}

	return defs, nil
}

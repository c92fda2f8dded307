package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/openfroyo/sift/pkg/plugin"
)

// RegoClassifier evaluates an OPA policy whose package defines classification.
//
// The policy receives {id, content, metadata, config} as input. An undefined
// classification means no opinion.
type RegoClassifier struct {
	id          string
	pkg         string
	description string
	query       rego.PreparedEvalQuery
}

// CompileRego parses and prepares a policy module.
func CompileRego(ctx context.Context, filename, src string) (*RegoClassifier, error) {
	module, err := ast.ParseModule(filename, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil || module.Package == nil {
		return nil, fmt.Errorf("policy has no package declaration")
	}

	pkgPath := module.Package.Path.String()
	query, err := rego.New(
		rego.Module(filename, src),
		rego.Query(pkgPath+".classification"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &RegoClassifier{
		id:          "rego:" + strings.TrimPrefix(pkgPath, "data."),
		pkg:         pkgPath,
		description: extractDescription(src),
		query:       query,
	}, nil
}

// ID returns "rego:<package>".
func (r *RegoClassifier) ID() string { return r.id }

// Name returns the policy package path.
func (r *RegoClassifier) Name() string { return strings.TrimPrefix(r.pkg, "data.") }

// Description returns the leading comment block of the policy.
func (r *RegoClassifier) Description() string { return r.description }

// Classify evaluates the prepared query against the entity.
func (r *RegoClassifier) Classify(ctx context.Context, e plugin.Entity, cctx plugin.ClassifyContext) (*plugin.ClassificationOutput, error) {
	input := map[string]any{
		"id":       e.ID,
		"content":  e.Content,
		"metadata": nonNilMap(e.Metadata),
		"config":   nonNilMap(cctx.Config),
	}

	rs, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	return classificationFromAny(rs[0].Expressions[0].Value)
}

// extractDescription joins the leading # comment lines of a policy.
func extractDescription(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" || len(parts) > 0 {
				break
			}
			continue
		}
		if comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#")); comment != "" {
			parts = append(parts, comment)
		}
	}
	return strings.Join(parts, " ")
}

// regoID derives a stable fallback name for logging before compilation.
func regoID(path string) string {
	return "rego:" + strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

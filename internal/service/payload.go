package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
)

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathLibEvaluator implements JMESPathEvaluator using go-jmespath.
type jmespathLibEvaluator struct{}

func (jmespathLibEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

var errEmptyPayload = errors.New("empty procedure result")

// decodePayload unmarshals a procedure result into generic JSON values.
func decodePayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil, errEmptyPayload
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode procedure result: %w", err)
	}
	return data, nil
}

// roleExtractor reads a RoleRecord out of a role procedure result.
type roleExtractor struct {
	eval        JMESPathEvaluator
	roleExpr    string
	companyExpr string
}

func (x roleExtractor) extract(raw json.RawMessage) (domainauth.RoleRecord, error) {
	data, err := decodePayload(raw)
	if err != nil {
		return domainauth.RoleRecord{}, err
	}

	roleVal, err := x.eval.Evaluate(x.roleExpr, data)
	if err != nil {
		return domainauth.RoleRecord{}, fmt.Errorf("evaluate role expression: %w", err)
	}
	roleStr, _ := roleVal.(string)
	if roleStr == "" {
		// A bare string result is the role itself.
		roleStr, _ = data.(string)
	}
	role, err := domainauth.ParseRole(roleStr)
	if err != nil {
		return domainauth.RoleRecord{}, fmt.Errorf("parse role: %w", err)
	}

	rec := domainauth.RoleRecord{Role: role}
	if x.companyExpr == "" {
		return rec, nil
	}
	companyVal, err := x.eval.Evaluate(x.companyExpr, data)
	if err != nil {
		return domainauth.RoleRecord{}, fmt.Errorf("evaluate company expression: %w", err)
	}
	if s, ok := companyVal.(string); ok && strings.TrimSpace(s) != "" {
		name := strings.TrimSpace(s)
		rec.CompanyName = &name
	}
	return rec, nil
}

// extractBool reads a permission boolean. A bare boolean result is used as is;
// anything that does not evaluate to true denies.
func extractBool(eval JMESPathEvaluator, expr string, raw json.RawMessage) (bool, error) {
	data, err := decodePayload(raw)
	if err != nil {
		return false, err
	}
	if b, ok := data.(bool); ok {
		return b, nil
	}
	v, err := eval.Evaluate(expr, data)
	if err != nil {
		return false, fmt.Errorf("evaluate permission expression: %w", err)
	}
	b, _ := v.(bool)
	return b, nil
}

// extractStrings reads a list of strings, skipping non-string and empty elements.
func extractStrings(eval JMESPathEvaluator, expr string, raw json.RawMessage) ([]string, error) {
	data, err := decodePayload(raw)
	if errors.Is(err, errEmptyPayload) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := eval.Evaluate(expr, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate menu expression: %w", err)
	}
	items, ok := v.([]any)
	if !ok {
		if s, isStr := v.(string); isStr && s != "" {
			return []string{s}, nil
		}
		return []string{}, nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, isStr := it.(string); isStr && s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// validateExpressions compiles every non-empty expression up front.
func validateExpressions(eval JMESPathEvaluator, exprs map[string]string) error {
	for name, expr := range exprs {
		if err := eval.Validate(expr); err != nil {
			return fmt.Errorf("invalid %s expression %q: %w", name, expr, err)
		}
	}
	return nil
}

// Package rules evaluates admin-authored auto-response rules. A rule binds a
// request opcode to a boolean condition over the request's parameter map and
// the response opcode to emit when the condition holds.
package rules

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/metrics"
	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// ValidationError reports an invalid rule condition at save time,
// attributed to the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate parses the condition without evaluating it. A syntax error is
// returned as a ValidationError on the "condition" field.
func Validate(condition string) error {
	if condition == "" {
		return &ValidationError{Field: "condition", Message: "must not be empty"}
	}
	_, err := expr.Compile(condition, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return &ValidationError{Field: "condition", Message: err.Error()}
	}
	return nil
}

// Engine resolves response opcodes for inbound requests.
type Engine struct {
	db     store.DataStore
	logger zerolog.Logger
}

// NewEngine creates a rule engine reading rules from db.
func NewEngine(db store.DataStore, logger zerolog.Logger) *Engine {
	return &Engine{db: db, logger: logger}
}

// Save validates the rule's condition and persists it. Evaluation never runs
// at save time; an unparseable condition never reaches the resolver.
func (e *Engine) Save(ctx context.Context, rule *models.AnswerRule) error {
	if err := Validate(rule.Condition); err != nil {
		return err
	}
	return e.db.SaveAnswerRule(ctx, rule)
}

// Resolve evaluates the rules for requestOpcode in ascending priority order
// against the request's parameter map. The first rule whose condition
// evaluates true selects the response opcode. A condition that fails at
// evaluation time (e.g. references a missing parameter) is treated as a
// non-match and evaluation continues with the next rule.
//
// The second return is false when no rule matched; the request then stays
// pending for a manual decision.
func (e *Engine) Resolve(ctx context.Context, requestOpcode int, params map[string]models.ParamValue) (int, bool, error) {
	ruleSet, err := e.db.ListAnswerRules(ctx, requestOpcode)
	if err != nil {
		return 0, false, err
	}

	env := ParamsEnv(params)
	for _, rule := range ruleSet {
		program, err := expr.Compile(rule.Condition, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			// Save-time validation should make this unreachable; an
			// unparseable stored rule is skipped like a failed evaluation.
			e.logger.Warn().Err(err).Str("rule_id", rule.ID.String()).Msg("stored rule no longer parses")
			metrics.RuleEvaluations.WithLabelValues("eval_error").Inc()
			continue
		}
		out, err := expr.Run(program, env)
		if err != nil {
			e.logger.Debug().Err(err).Str("rule_id", rule.ID.String()).Msg("rule evaluation failed, treated as non-match")
			metrics.RuleEvaluations.WithLabelValues("eval_error").Inc()
			continue
		}
		matched, ok := out.(bool)
		if !ok || !matched {
			metrics.RuleEvaluations.WithLabelValues("no_match").Inc()
			continue
		}
		metrics.RuleEvaluations.WithLabelValues("matched").Inc()
		return rule.ResponseOpcode, true, nil
	}
	return 0, false, nil
}

// ParamsEnv converts a typed parameter map into the evaluation environment.
// Values that fail to parse under their declared type fall back to the raw
// string, which at worst makes one rule a non-match.
func ParamsEnv(params map[string]models.ParamValue) map[string]any {
	env := make(map[string]any, len(params))
	for name, p := range params {
		switch p.Type {
		case "int":
			if n, err := strconv.ParseInt(p.Value, 10, 64); err == nil {
				env[name] = int(n)
				continue
			}
		case "float":
			if f, err := strconv.ParseFloat(p.Value, 64); err == nil {
				env[name] = f
				continue
			}
		case "bool":
			if b, err := strconv.ParseBool(p.Value); err == nil {
				env[name] = b
				continue
			}
		case "date":
			if t, err := time.Parse("2006-01-02", p.Value); err == nil {
				env[name] = t
				continue
			}
		}
		env[name] = p.Value
	}
	return env
}

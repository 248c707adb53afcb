package rules

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, store.DataStore) {
	t.Helper()
	db := store.NewMemoryStore()
	return NewEngine(db, zerolog.Nop()), db
}

func saveRule(t *testing.T, e *Engine, opcode, priority int, condition string, response int) {
	t.Helper()
	err := e.Save(context.Background(), &models.AnswerRule{
		ID:             uuid.Must(uuid.NewV7()),
		RequestOpcode:  opcode,
		Priority:       priority,
		Condition:      condition,
		ResponseOpcode: response,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func params(kv map[string]models.ParamValue) map[string]models.ParamValue { return kv }

func TestSaveRejectsUnparseableCondition(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.Save(context.Background(), &models.AnswerRule{
		ID:            uuid.Must(uuid.NewV7()),
		RequestOpcode: 10,
		Condition:     `entity == `,
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func TestSaveRejectsEmptyCondition(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.Save(context.Background(), &models.AnswerRule{ID: uuid.Must(uuid.NewV7()), RequestOpcode: 10})
	if err == nil {
		t.Fatal("expected validation error for empty condition")
	}
}

func TestResolveFirstMatchByPriority(t *testing.T) {
	e, _ := newTestEngine(t)
	saveRule(t, e, 10, 2, `true`, 11)
	saveRule(t, e, 10, 1, `entity == "LAST_PRICE"`, 13)

	op, matched, err := e.Resolve(context.Background(), 10, params(map[string]models.ParamValue{
		"entity": {Type: "string", Value: "LAST_PRICE"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !matched {
		t.Fatal("expected a match")
	}
	if op != 13 {
		t.Fatalf("expected the priority-1 rule to win, got opcode %d", op)
	}
}

func TestResolveNoMatchStaysPending(t *testing.T) {
	e, _ := newTestEngine(t)
	saveRule(t, e, 10, 1, `entity == "HISTORICAL_PRICES"`, 11)

	_, matched, err := e.Resolve(context.Background(), 10, params(map[string]models.ParamValue{
		"entity": {Type: "string", Value: "LAST_PRICE"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if matched {
		t.Fatal("expected no match")
	}
}

func TestEvaluationFailureIsNonMatch(t *testing.T) {
	e, _ := newTestEngine(t)
	// References a parameter the request does not carry; evaluation fails
	// at the comparison and must fall through to the next rule.
	saveRule(t, e, 10, 1, `size > 10`, 13)
	saveRule(t, e, 10, 2, `true`, 11)

	op, matched, err := e.Resolve(context.Background(), 10, params(map[string]models.ParamValue{
		"entity": {Type: "string", Value: "LAST_PRICE"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !matched || op != 11 {
		t.Fatalf("expected fall-through to the catch-all rule, got matched=%v op=%d", matched, op)
	}
}

func TestResolveTypedParams(t *testing.T) {
	e, _ := newTestEngine(t)
	saveRule(t, e, 10, 1, `count <= 500 && trusted`, 11)

	op, matched, err := e.Resolve(context.Background(), 10, params(map[string]models.ParamValue{
		"count":   {Type: "int", Value: "200"},
		"trusted": {Type: "bool", Value: "true"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !matched || op != 11 {
		t.Fatalf("expected typed comparison to match, got matched=%v op=%d", matched, op)
	}
}

func TestParamsEnvFallsBackToString(t *testing.T) {
	env := ParamsEnv(map[string]models.ParamValue{
		"count": {Type: "int", Value: "not-a-number"},
		"when":  {Type: "date", Value: "2026-02-30_bad"},
	})
	if env["count"] != "not-a-number" {
		t.Fatalf("expected raw string fallback, got %v", env["count"])
	}
	if env["when"] != "2026-02-30_bad" {
		t.Fatalf("expected raw string fallback, got %v", env["when"])
	}
}

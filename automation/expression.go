package automation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// expressionCostLimit caps CEL evaluation cost so a pathological guard
// expression cannot stall dispatch.
const expressionCostLimit = 1_000_000

// ExpressionCompiler compiles and caches trigger guard expressions. Guard
// expressions see a single `event` variable holding the trigger payload.
// Compilation happens at rule commit time; dispatch only ever evaluates
// already-compiled programs.
type ExpressionCompiler struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program // ruleID -> compiled guard
}

// NewExpressionCompiler creates a compiler with the engine's CEL
// environment.
func NewExpressionCompiler() (*ExpressionCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &ExpressionCompiler{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile validates and caches the guard expression for a rule. An empty
// expression removes any cached program.
func (ec *ExpressionCompiler) Compile(ruleID, expression string) error {
	prog, err := ec.build(expression)
	if err != nil {
		return err
	}
	ec.install(ruleID, prog)
	return nil
}

// build compiles an expression without touching the program cache, so the
// manager can validate a guard before the rule is committed and install it
// only once the store write succeeds. An empty expression yields nil.
func (ec *ExpressionCompiler) build(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, nil
	}

	ast, issues := ec.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := ec.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// install binds a pre-built program to a rule. A nil program removes any
// existing binding.
func (ec *ExpressionCompiler) install(ruleID string, prog cel.Program) {
	if prog == nil {
		ec.Remove(ruleID)
		return
	}
	ec.mu.Lock()
	ec.programs[ruleID] = prog
	ec.mu.Unlock()
}

// Remove drops the cached program for a rule.
func (ec *ExpressionCompiler) Remove(ruleID string) {
	ec.mu.Lock()
	delete(ec.programs, ruleID)
	ec.mu.Unlock()
}

// Match evaluates a rule's guard against the event payload. Rules without a
// guard always match. A guard that errors or yields a non-boolean counts as
// no match, the same recover-to-false policy malformed condition operands
// get.
func (ec *ExpressionCompiler) Match(rule *Rule, payload map[string]any) bool {
	if rule.Trigger.Expression == "" {
		return true
	}

	ec.mu.RLock()
	prog, exists := ec.programs[rule.ID]
	ec.mu.RUnlock()
	if !exists {
		// Commit-time compilation guarantees a program for every committed
		// guard; a miss means the rule bypassed the manager.
		return false
	}

	out, _, err := prog.Eval(map[string]any{"event": payload})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

package domain

import "context"

// RuleView provides read-only access to the data an edit session is about to commit.
type RuleView interface {
	// Working is the session's final working copy.
	Working() *Dataset
	// Committed holds committed data related to the session: every type
	// definition, plus the tables that reference an edited type.
	Committed() *Dataset
}

// Rule defines an evaluation executed before an edit session commits.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine(rules ...Rule) *RulesEngine {
	e := &RulesEngine{}
	for _, r := range rules {
		e.Register(r)
	}
	return e
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	if rule == nil {
		return
	}
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rule names in evaluation order.
func (e *RulesEngine) Rules() []string {
	names := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		names = append(names, r.Name())
	}
	return names
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	if e == nil {
		return combined, nil
	}
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}

type staticView struct {
	working   *Dataset
	committed *Dataset
}

// NewRuleView wraps datasets as a RuleView. Nil datasets are replaced by empty ones.
func NewRuleView(working, committed *Dataset) RuleView {
	if working == nil {
		working = NewDataset()
	}
	if committed == nil {
		committed = NewDataset()
	}
	return staticView{working: working, committed: committed}
}

func (v staticView) Working() *Dataset { return v.working }
func (v staticView) Committed() *Dataset { return v.committed }

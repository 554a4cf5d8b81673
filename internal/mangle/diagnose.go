package mangle

import (
	"context"
	"fmt"
)

// Fallback is an action the UI did not handle.
type Fallback struct {
	ActionID string `json:"action_id"`
	Type     string `json:"type"`
}

// FailedStep is a workflow step that errored.
type FailedStep struct {
	RunID string `json:"run_id"`
	Step  string `json:"step"`
}

// DegradedNavigation is a navigation that needed a forced or hard fallback.
type DegradedNavigation struct {
	URL     string `json:"url"`
	Outcome string `json:"outcome"`
}

// Diagnosis summarizes the derived automation problems.
type Diagnosis struct {
	Fallbacks       []Fallback           `json:"ui_fallbacks"`
	FailedActions   []Fallback           `json:"failed_actions"`
	FailedSteps     []FailedStep         `json:"failed_steps"`
	MissingElements []string             `json:"missing_elements"`
	Navigations     []DegradedNavigation `json:"degraded_navigations"`
}

// Empty reports whether nothing went wrong.
func (d Diagnosis) Empty() bool {
	return len(d.Fallbacks) == 0 && len(d.FailedActions) == 0 && len(d.FailedSteps) == 0 &&
		len(d.MissingElements) == 0 && len(d.Navigations) == 0
}

// Diagnose evaluates the built-in derived predicates.
func (e *Engine) Diagnose(ctx context.Context) (Diagnosis, error) {
	var d Diagnosis
	pairs := func(pred string) ([][2]string, error) {
		facts, err := e.Evaluate(ctx, pred)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pred, err)
		}
		out := make([][2]string, 0, len(facts))
		seen := map[[2]string]bool{}
		for _, f := range facts {
			if len(f.Args) < 1 {
				continue
			}
			var p [2]string
			p[0] = fmt.Sprint(f.Args[0])
			if len(f.Args) > 1 {
				p[1] = fmt.Sprint(f.Args[1])
			}
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		return out, nil
	}

	fallbacks, err := pairs("ui_fallback")
	if err != nil {
		return d, err
	}
	for _, p := range fallbacks {
		d.Fallbacks = append(d.Fallbacks, Fallback{ActionID: p[0], Type: p[1]})
	}

	failed, err := pairs("action_failed")
	if err != nil {
		return d, err
	}
	for _, p := range failed {
		d.FailedActions = append(d.FailedActions, Fallback{ActionID: p[0], Type: p[1]})
	}

	steps, err := pairs("step_failed")
	if err != nil {
		return d, err
	}
	for _, p := range steps {
		d.FailedSteps = append(d.FailedSteps, FailedStep{RunID: p[0], Step: p[1]})
	}

	missing, err := pairs("element_missing")
	if err != nil {
		return d, err
	}
	for _, p := range missing {
		d.MissingElements = append(d.MissingElements, p[0])
	}

	navs, err := pairs("navigation_degraded")
	if err != nil {
		return d, err
	}
	for _, p := range navs {
		d.Navigations = append(d.Navigations, DegradedNavigation{URL: p[0], Outcome: p[1]})
	}
	return d, nil
}

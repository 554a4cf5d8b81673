package mangle

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"fasto-agent/internal/config"
	"fasto-agent/internal/events"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

//go:embed schema.mg
var defaultSchema string

// Fact is one normalized automation observation.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// defaultLowValuePredicates may be sampled when the buffer fills up.
// Workflow, action and navigation facts are never sampled.
func defaultLowValuePredicates() map[string]bool {
	return map[string]bool{
		"visual_step": true,
	}
}

// Engine wraps the Mangle deductive database with a bounded temporal buffer
// of automation facts.
type Engine struct {
	cfg          config.MangleConfig
	mu           sync.RWMutex
	schemaLoaded bool

	source      string
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	facts []Fact
	index map[string][]int

	samplingRate       float64
	predicateCounts    map[string]int
	lowValuePredicates map[string]bool

	subscriptions map[string][]chan WatchEvent
	subMu         sync.RWMutex
}

// WatchEvent is emitted when a watched predicate holds facts after evaluation.
type WatchEvent struct {
	Predicate string    `json:"predicate"`
	Facts     []Fact    `json:"facts"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEngine builds an engine. When enabled it loads cfg.SchemaPath, or the
// built-in automation schema when no path is configured, then cfg.Rules.
func NewEngine(cfg config.MangleConfig) (*Engine, error) {
	e := &Engine{
		cfg:                cfg,
		facts:              make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:              make(map[string][]int),
		store:              factstore.NewSimpleInMemoryStore(),
		samplingRate:       1.0,
		predicateCounts:    make(map[string]int),
		lowValuePredicates: defaultLowValuePredicates(),
		subscriptions:      make(map[string][]chan WatchEvent),
	}

	if !cfg.Enable {
		return e, nil
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	} else if err := e.LoadSchemaSource(defaultSchema); err != nil {
		return nil, err
	}
	for i, rule := range cfg.Rules {
		if err := e.AddRule(rule); err != nil {
			return nil, fmt.Errorf("mangle.rules[%d]: %w", i, err)
		}
	}
	return e, nil
}

// LoadSchema parses and analyzes a schema file.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return e.LoadSchemaSource(string(data))
}

// LoadSchemaSource parses and analyzes schema text, replacing the program.
func (e *Engine) LoadSchemaSource(src string) error {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = info
	e.source = src
	e.schemaLoaded = true
	return nil
}

// AddRule appends rules to the program. The combined source is re-analyzed
// so new rules are stratified together with the schema.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	combined := e.source + "\n" + ruleSource
	unit, err := parse.Unit(strings.NewReader(combined))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}
	e.programInfo = info
	e.source = combined
	e.schemaLoaded = true
	return nil
}

// AddFacts buffers facts, adds them to the store and re-evaluates the program.
// Low-value facts are sampled once the buffer passes half full.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateSamplingRate()

	accepted := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if e.shouldAcceptFact(f) {
			accepted = append(accepted, f)
			e.predicateCounts[f.Predicate]++
		}
	}

	base := len(e.facts)
	e.facts = append(e.facts, accepted...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = e.facts[len(e.facts)-limit:]
		e.rebuildIndex()
		e.rebuildStore()
	} else {
		for i, f := range accepted {
			e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
			e.store.Add(e.factToAtom(f))
		}
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
		e.checkAndNotifyWatchers()
	}
	return nil
}

func (e *Engine) checkAndNotifyWatchers() {
	for _, predicate := range e.WatchPredicates() {
		derived := e.collect(predicate, e.arity(predicate))
		if len(derived) > 0 {
			e.notifySubscribers(predicate, derived)
		}
	}
}

// updateSamplingRate lowers acceptance of low-value facts as the buffer fills.
func (e *Engine) updateSamplingRate() {
	if e.cfg.FactBufferLimit <= 0 {
		e.samplingRate = 1.0
		return
	}

	fill := float64(len(e.facts)) / float64(e.cfg.FactBufferLimit)
	switch {
	case fill < 0.5:
		e.samplingRate = 1.0
	case fill < 0.7:
		e.samplingRate = 0.8
	case fill < 0.85:
		e.samplingRate = 0.5
	case fill < 0.95:
		e.samplingRate = 0.2
	default:
		e.samplingRate = 0.1
	}
}

func (e *Engine) shouldAcceptFact(f Fact) bool {
	if !e.lowValuePredicates[f.Predicate] || e.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < e.samplingRate
}

// SamplingRate returns the current adaptive sampling rate.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Subscribe registers ch for facts of predicate after each evaluation.
func (e *Engine) Subscribe(predicate string, ch chan WatchEvent) string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscriptions[predicate] = append(e.subscriptions[predicate], ch)
	return fmt.Sprintf("%s:%p", predicate, ch)
}

// Unsubscribe removes ch from predicate's subscribers.
func (e *Engine) Unsubscribe(predicate string, ch chan WatchEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	chans := e.subscriptions[predicate]
	kept := make([]chan WatchEvent, 0, len(chans))
	for _, c := range chans {
		if c != ch {
			kept = append(kept, c)
		}
	}
	e.subscriptions[predicate] = kept
}

// notifySubscribers never blocks; a full channel misses the event.
func (e *Engine) notifySubscribers(predicate string, facts []Fact) {
	e.subMu.RLock()
	chans := e.subscriptions[predicate]
	e.subMu.RUnlock()

	if len(chans) == 0 || len(facts) == 0 {
		return
	}
	ev := WatchEvent{Predicate: predicate, Facts: facts, Timestamp: time.Now()}
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
}

// DiagnosisPredicates are the derived predicates Diagnose reports.
var DiagnosisPredicates = []string{"ui_fallback", "action_failed", "step_failed", "element_missing", "navigation_degraded"}

// Watch calls fn after every evaluation in which one of predicates holds
// facts, until ctx ends. fn runs on the watching goroutine.
func (e *Engine) Watch(ctx context.Context, predicates []string, fn func(WatchEvent)) {
	ch := make(chan WatchEvent, 16)
	for _, p := range predicates {
		e.Subscribe(p, ch)
	}
	defer func() {
		for _, p := range predicates {
			e.Unsubscribe(p, ch)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			fn(ev)
		}
	}
}

// WatchPredicates lists predicates with at least one subscriber.
func (e *Engine) WatchPredicates() []string {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	out := make([]string, 0, len(e.subscriptions))
	for p, chs := range e.subscriptions {
		if len(chs) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Query evaluates a single atom such as `step_failed(Run, Step)` and returns
// one binding per matching fact. Constants in the atom filter the results.
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !e.cfg.Enable || !e.Ready() {
		return nil, fmt.Errorf("engine not ready")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(queryStr), "?"))
	if q != "" && !strings.HasSuffix(q, ".") {
		q += "."
	}
	unit, err := parse.Unit(strings.NewReader(q))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	atom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(atom, func(fact ast.Atom) error {
		row := make(QueryResult)
		for i, arg := range atom.Args {
			if i >= len(fact.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				row[v.Symbol] = e.convertConstant(fact.Args[i])
			}
		}
		results = append(results, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	if len(results) == 0 {
		results = append(results, e.queryBufferDirect(atom.Predicate.Symbol, atom.Args)...)
	}
	return results, nil
}

// queryBufferDirect matches base facts in the buffer when the store has none,
// which happens for predicates the schema never declared.
func (e *Engine) queryBufferDirect(predicate string, queryArgs []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if len(f.Args) < len(queryArgs) {
			continue
		}

		row := make(QueryResult)
		matches := true
		for i, qa := range queryArgs {
			switch arg := qa.(type) {
			case ast.Variable:
				if arg.Symbol != "_" {
					row[arg.Symbol] = f.Args[i]
				}
			case ast.Constant:
				if fmt.Sprint(f.Args[i]) != fmt.Sprint(e.convertConstant(arg)) {
					matches = false
				}
			}
			if !matches {
				break
			}
		}
		if matches {
			results = append(results, row)
		}
	}
	return results
}

// Evaluate runs the program and returns every fact of predicate.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.cfg.Enable || !e.Ready() {
		return nil, fmt.Errorf("engine not ready")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}
	return e.collect(predicate, e.arity(predicate)), nil
}

// arity looks predicate up in the program declarations; -1 when unknown.
func (e *Engine) arity(predicate string) int {
	if e.programInfo == nil {
		return -1
	}
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			return sym.Arity
		}
	}
	return -1
}

func (e *Engine) collect(predicate string, arity int) []Fact {
	atom := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}}
	if arity >= 0 {
		atom.Args = make([]ast.BaseTerm, arity)
		for i := range atom.Args {
			atom.Args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
	}

	out := make([]Fact, 0)
	_ = e.store.GetFacts(atom, func(a ast.Atom) error {
		out = append(out, e.atomToFact(a))
		return nil
	})
	return out
}

// QueryTemporal returns buffered facts of predicate strictly between after
// and before. A zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) && (before.IsZero() || f.Timestamp.Before(before)) {
			out = append(out, f)
		}
	}
	return out
}

// FactsByPredicate returns buffered facts of predicate in arrival order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	out := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(e.facts) {
			out = append(out, e.facts[idx])
		}
	}
	return out
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether queries can run.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

// Run converts hub events to facts until ctx ends.
func (e *Engine) Run(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe(512, events.KindVisualStep, events.KindWorkflow, events.KindActionResult, events.KindNavigationResult)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if facts := FactsFromEvent(ev); len(facts) > 0 {
				if err := e.AddFacts(ctx, facts); err != nil && ctx.Err() == nil {
					log.Printf("[mangle] add facts for %s: %v", ev.Kind(), err)
				}
			}
		}
	}
}

// FactsFromEvent maps a hub event to the automation predicates.
func FactsFromEvent(ev events.Event) []Fact {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	fact := func(pred string, args ...interface{}) []Fact {
		return []Fact{{Predicate: pred, Args: args, Timestamp: ts}}
	}

	switch p := ev.Payload.(type) {
	case events.VisualStep:
		return fact("visual_step", p.Action, p.Step, string(p.Status), p.Element)
	case events.Workflow:
		return fact("workflow_step", p.RunID, p.Type, p.Step, p.Action, p.Status)
	case events.ActionResult:
		return fact("action_result", p.ID, p.Type, p.Success, p.Fallback)
	case events.NavigationResult:
		return fact("navigation_result", p.URL, p.Tab, p.Outcome)
	}
	return nil
}

func (e *Engine) factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = e.toConstant(arg)
	}
	return ast.Atom{Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)}, Args: args}
}

func (e *Engine) atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = e.convertConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: time.Now()}
}

func (e *Engine) toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func (e *Engine) convertConstant(c ast.BaseTerm) interface{} {
	if c == nil {
		return nil
	}
	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			val, _ := term.StringValue()
			return val
		case ast.NumberType:
			if val, err := term.NumberValue(); err == nil {
				return val
			}
		case ast.Float64Type:
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}

// rebuildStore drops facts evicted from the buffer, derived ones included.
func (e *Engine) rebuildStore() {
	e.store = factstore.NewSimpleInMemoryStore()
	for _, f := range e.facts {
		e.store.Add(e.factToAtom(f))
	}
}

// Package facts is the dispatch telemetry engine: a bounded buffer of
// lifecycle facts (command_received, command_terminal, breaker_transition,
// frame_resolved) backed by a Mangle deductive store, so diagnostics tooling
// can run Datalog queries over recent agent behavior.
package facts

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"pilotnerd-agent/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Fact is one normalized lifecycle event.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// Binding maps query variables to matched values.
type Binding map[string]interface{}

// Engine owns the fact buffer and the Mangle store. The buffer is circular
// with FIFO eviction at the configured limit; the predicate index keeps
// lookups off the O(n) path.
type Engine struct {
	cfg config.FactsConfig

	mu           sync.RWMutex
	programInfo  *analysis.ProgramInfo
	schemaLoaded bool
	store        factstore.FactStore

	facts []Fact
	index map[string][]int
}

// NewEngine builds an engine, loading the optional rule schema when the
// config names one.
func NewEngine(cfg config.FactsConfig) (*Engine, error) {
	e := &Engine{
		cfg:   cfg,
		store: factstore.NewSimpleInMemoryStore(),
		facts: make([]Fact, 0, cfg.FactBufferLimit),
		index: make(map[string][]int),
	}
	if cfg.Enable && cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadSchema parses and analyzes a Mangle rule file. Derived predicates
// become queryable after the next fact insertion re-evaluates the program.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	sourceUnit, err := parse.Unit(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(sourceUnit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = programInfo
	e.schemaLoaded = true
	return nil
}

// AddRule adds one Mangle rule at runtime, analyzed against the loaded
// program's declarations.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}

	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(ruleSource)))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existingDecls := make(map[ast.PredicateSym]ast.Decl)
	if e.programInfo != nil {
		for k, v := range e.programInfo.Decls {
			if v != nil {
				existingDecls[k] = *v
			}
		}
	}
	newProgramInfo, err := analysis.AnalyzeOneUnit(sourceUnit, existingDecls)
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}

	if e.programInfo == nil {
		e.programInfo = newProgramInfo
		e.schemaLoaded = true
	} else {
		for k, v := range newProgramInfo.Decls {
			e.programInfo.Decls[k] = v
		}
	}
	return nil
}

// Add records one fact. This is the dispatcher observer's hot path, so it
// never returns an error; malformed args degrade to their string form.
func (e *Engine) Add(predicate string, args ...interface{}) {
	e.AddFacts([]Fact{{Predicate: predicate, Args: args, Timestamp: time.Now()}})
}

// AddFacts appends facts to the buffer and the Mangle store, evicting the
// oldest entries past the buffer limit, then re-evaluates loaded rules.
func (e *Engine) AddFacts(facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	baseIdx := len(e.facts)
	e.facts = append(e.facts, facts...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		trim := len(e.facts) - e.cfg.FactBufferLimit
		e.facts = e.facts[trim:]
		e.rebuildIndex()
	} else {
		for i, f := range facts {
			e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
		}
	}

	for _, f := range facts {
		e.store.Add(factToAtom(f))
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}
	return nil
}

// Query parses a Mangle query atom, binds its variables against the store,
// and falls back to a direct buffer scan when the store yields nothing.
func (e *Engine) Query(queryStr string) ([]Binding, error) {
	if !e.cfg.Enable {
		return nil, fmt.Errorf("fact engine disabled")
	}

	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(queryStr)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(sourceUnit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	queryAtom := sourceUnit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Binding, 0)
	err = e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		b := make(Binding)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if varArg, ok := arg.(ast.Variable); ok {
				b[varArg.Symbol] = convertConstant(atom.Args[i])
			}
		}
		results = append(results, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	if len(results) == 0 {
		results = append(results, e.queryBufferLocked(queryAtom.Predicate.Symbol, queryAtom.Args)...)
	}
	return results, nil
}

// queryBufferLocked matches the query pattern directly against the buffer.
// Covers arity drift between recorded facts and the query.
func (e *Engine) queryBufferLocked(predicate string, queryArgs []ast.BaseTerm) []Binding {
	results := make([]Binding, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if len(f.Args) < len(queryArgs) {
			continue
		}

		b := make(Binding)
		matches := true
		for i, qArg := range queryArgs {
			switch arg := qArg.(type) {
			case ast.Variable:
				b[arg.Symbol] = f.Args[i]
			case ast.Constant:
				if fmt.Sprintf("%v", f.Args[i]) != fmt.Sprintf("%v", convertConstant(arg)) {
					matches = false
				}
			}
			if !matches {
				break
			}
		}
		if matches {
			results = append(results, b)
		}
	}
	return results
}

// Evaluate runs full program evaluation and returns the derived facts of one
// predicate. Requires a loaded schema.
func (e *Engine) Evaluate(predicate string) ([]Fact, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, fmt.Errorf("fact engine has no rules loaded")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity := -1
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}
	queryAtom := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}}
	if arity >= 0 {
		args := make([]ast.BaseTerm, arity)
		for i := range args {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		queryAtom.Args = args
	}

	derived := make([]Fact, 0)
	err := e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		derived = append(derived, atomToFact(atom))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return derived, nil
}

// FactsByPredicate returns buffered facts of one predicate via the index.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	results := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		results = append(results, e.facts[idx])
	}
	return results
}

// Within returns buffered facts of one predicate inside a time window. Zero
// bounds are open.
func (e *Engine) Within(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// Facts returns a copy of the buffered facts.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Len reports the number of buffered facts.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.facts)
}

// PredicateCounts reports buffered fact counts per predicate, sorted keys.
func (e *Engine) PredicateCounts() []struct {
	Predicate string `json:"predicate"`
	Count     int    `json:"count"`
} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.index))
	for p := range e.index {
		names = append(names, p)
	}
	sort.Strings(names)

	out := make([]struct {
		Predicate string `json:"predicate"`
		Count     int    `json:"count"`
	}, len(names))
	for i, p := range names {
		out[i].Predicate = p
		out[i].Count = len(e.index[p])
	}
	return out
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{
		Predicate: atom.Predicate.Symbol,
		Args:      args,
		Timestamp: time.Now(),
	}
}

func toConstant(v interface{}) ast.Constant {
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

func convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			val, _ := term.StringValue()
			return val
		case ast.NumberType:
			return term.NumberValue
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

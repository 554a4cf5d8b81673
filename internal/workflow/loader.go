package workflow

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strings"
	"text/template"

	"github.com/dop251/goja"
	"gopkg.in/yaml.v3"
)

type fileStep struct {
	Step      `yaml:",inline"`
	Transform string `yaml:"transform"`
	Validate  string `yaml:"validate"`
	SkipIf    string `yaml:"skip_if"`
}

type fileDefinition struct {
	Type          Type       `yaml:"type"`
	Description   string     `yaml:"description"`
	Triggers      []string   `yaml:"triggers"`
	PersistAction string     `yaml:"persist_action"`
	Summary       string     `yaml:"summary"`
	Steps         []fileStep `yaml:"steps"`
}

// LoadFile reads a YAML workflow definition. skip_if and validate are
// JavaScript expressions evaluated over `data` (and `value` for validate);
// transform names a builtin; summary is a text/template over the data.
func LoadFile(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(raw, path)
}

// Parse builds a definition from YAML.
func Parse(raw []byte, source string) (*Definition, error) {
	var f fileDefinition
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", source, err)
	}
	d := &Definition{
		Type:          f.Type,
		Description:   f.Description,
		Triggers:      f.Triggers,
		PersistAction: f.PersistAction,
		Source:        source,
	}
	for _, fs := range f.Steps {
		s := fs.Step
		if fs.Transform != "" {
			t, ok := Transforms[fs.Transform]
			if !ok {
				return nil, fmt.Errorf("workflow %s step %s: unknown transform %q", f.Type, s.ID, fs.Transform)
			}
			s.Transform = t
		}
		if fs.Validate != "" {
			if v, ok := Validators[fs.Validate]; ok {
				s.Validate = v
			} else {
				expr, err := CompileExpr(fmt.Sprintf("%s:%s:validate", f.Type, s.ID), fs.Validate)
				if err != nil {
					return nil, err
				}
				s.Validate = expr.Validate
			}
		}
		if fs.SkipIf != "" {
			expr, err := CompileExpr(fmt.Sprintf("%s:%s:skip_if", f.Type, s.ID), fs.SkipIf)
			if err != nil {
				return nil, err
			}
			s.SkipIf = expr.Skip
		}
		d.Steps = append(d.Steps, s)
	}
	if f.Summary != "" {
		tmpl, err := template.New(string(f.Type)).Option("missingkey=zero").Funcs(template.FuncMap{
			"date": HumanDate,
			"time": HumanTime,
		}).Parse(f.Summary)
		if err != nil {
			return nil, fmt.Errorf("workflow %s summary: %w", f.Type, err)
		}
		d.Summary = func(data Data) string {
			var b bytes.Buffer
			if err := tmpl.Execute(&b, map[string]string(data)); err != nil {
				log.Printf("[workflow:%s] summary: %v", f.Type, err)
				return GenericSummary(data)
			}
			return strings.TrimSpace(b.String())
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Expr is a compiled JavaScript expression. Each evaluation gets a fresh
// runtime, so expressions cannot leak state between runs.
type Expr struct {
	name string
	prog *goja.Program
}

// CompileExpr compiles src as an expression.
func CompileExpr(name, src string) (*Expr, error) {
	prog, err := goja.Compile(name, "("+src+")", true)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &Expr{name: name, prog: prog}, nil
}

// Eval runs the expression with data (and value, when not nil) in scope.
func (e *Expr) Eval(data Data, value *string) (goja.Value, error) {
	vm := goja.New()
	if err := setupConsole(vm); err != nil {
		return nil, err
	}
	obj := vm.NewObject()
	for k, v := range data {
		if err := obj.Set(k, v); err != nil {
			return nil, fmt.Errorf("set data.%s: %w", k, err)
		}
	}
	if err := vm.Set("data", obj); err != nil {
		return nil, err
	}
	if value != nil {
		if err := vm.Set("value", *value); err != nil {
			return nil, err
		}
	}
	v, err := vm.RunProgram(e.prog)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", e.name, err)
	}
	return v, nil
}

// Skip evaluates the expression as a SkipFunc. Evaluation errors do not skip.
func (e *Expr) Skip(data Data) bool {
	v, err := e.Eval(data, nil)
	if err != nil {
		log.Printf("[workflow] %v", err)
		return false
	}
	return v.ToBoolean()
}

// Validate evaluates the expression as a ValidateFunc: true (or undefined)
// accepts, a string is the error to speak, anything falsy rejects.
func (e *Expr) Validate(value string, data Data) error {
	v, err := e.Eval(data, &value)
	if err != nil {
		log.Printf("[workflow] %v", err)
		return fmt.Errorf("I couldn't check that answer")
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch x := v.Export().(type) {
	case string:
		if x == "" {
			return nil
		}
		return fmt.Errorf("%s", x)
	case bool:
		if x {
			return nil
		}
	default:
		if v.ToBoolean() {
			return nil
		}
	}
	return fmt.Errorf("that doesn't look right")
}

// setupConsole routes console.log and friends to the process log.
func setupConsole(vm *goja.Runtime) error {
	console := vm.NewObject()
	for _, level := range []string{"log", "warn", "error"} {
		prefix := "[workflow:js " + level + "]"
		err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			args := make([]any, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				args = append(args, a.Export())
			}
			log.Println(append([]any{prefix}, args...)...)
			return goja.Undefined()
		})
		if err != nil {
			return fmt.Errorf("set console.%s: %w", level, err)
		}
	}
	return vm.Set("console", console)
}

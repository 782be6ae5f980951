// Package exprlang is a small stateful scripting engine on top of expr-lang.
//
// A script is a sequence of statements separated by newlines or semicolons:
//
//	x = 2 * 21        assign into the session environment
//	print x / 2       emit a message
//	return x + 1      finish with a value
//	x > 40            any other expression becomes the current value
//
// A script whose last character is ';' produces no value.
package exprlang

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"

	"github.com/dontdude/scriptq/internal/domain"
)

// ErrArithmetic reports a non-finite numeric result such as 1/0.
var ErrArithmetic = errors.New("arithmetic error")

var assignment = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([^=].*)$`)

// Interpreter keeps variables across Execute calls.
type Interpreter struct {
	mu  sync.Mutex
	env map[string]any
}

var (
	_ domain.Interpreter = (*Interpreter)(nil)
	_ domain.Resetter    = (*Interpreter)(nil)
)

func New() *Interpreter {
	return &Interpreter{env: make(map[string]any)}
}

// Reset forgets every variable.
func (in *Interpreter) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.env = make(map[string]any)
}

// Lookup returns the current value of a variable.
func (in *Interpreter) Lookup(name string) (any, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	v, ok := in.env[name]
	return v, ok
}

func (in *Interpreter) Execute(ctx context.Context, script string, emit func(string)) (any, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	suppress := strings.HasSuffix(strings.TrimSpace(script), ";")

	var value any
	for i, stmt := range splitStatements(script) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch {
		case stmt == "return":
			return nil, nil

		case strings.HasPrefix(stmt, "return "):
			v, err := in.eval(strings.TrimSpace(strings.TrimPrefix(stmt, "return ")))
			if err != nil {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
			if suppress {
				return nil, nil
			}
			return v, nil

		case strings.HasPrefix(stmt, "print "):
			v, err := in.eval(strings.TrimSpace(strings.TrimPrefix(stmt, "print ")))
			if err != nil {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
			if emit != nil {
				emit(fmt.Sprint(v))
			}

		default:
			if m := assignment.FindStringSubmatch(stmt); m != nil {
				v, err := in.eval(m[2])
				if err != nil {
					return nil, fmt.Errorf("statement %d: %w", i+1, err)
				}
				in.env[m[1]] = v
				value = v
				continue
			}
			v, err := in.eval(stmt)
			if err != nil {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
			value = v
		}
	}

	if suppress {
		return nil, nil
	}
	return value, nil
}

func (in *Interpreter) eval(src string) (any, error) {
	program, err := expr.Compile(src, expr.Env(in.env))
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, in.env)
	if err != nil {
		return nil, err
	}
	if f, ok := out.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return nil, fmt.Errorf("%w: %s evaluates to %v", ErrArithmetic, src, f)
	}
	return out, nil
}

// splitStatements splits on newlines and semicolons that are not inside quotes.
func splitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" && !strings.HasPrefix(s, "#") {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for _, r := range script {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'' || r == '`':
			quote = r
			cur.WriteRune(r)
		case r == '\n' || r == ';':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return stmts
}

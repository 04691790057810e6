// Package validator classifies queries as read-only before they reach a
// backend. Each dialect has one classification strategy; anything a strategy
// cannot confidently classify is rejected.
package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tordrt/llmquery/internal/apperr"
)

// Dialect names a query language surface
type Dialect string

// Supported dialects
const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectMSSQL    Dialect = "mssql"
	DialectSQLite   Dialect = "sqlite"
	DialectMDX      Dialect = "mdx"
	DialectInfluxQL Dialect = "influxql"
	DialectESSQL    Dialect = "essql"
	DialectMongo    Dialect = "mongo"
)

// Verdict is the outcome of classifying one query
type Verdict struct {
	Safe   bool
	Reason string
}

func safe() Verdict {
	return Verdict{Safe: true}
}

func unsafe(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Strategy classifies queries of one dialect
type Strategy interface {
	Classify(query string) Verdict
}

// StrategyFunc adapts a function to Strategy
type StrategyFunc func(query string) Verdict

// Classify implements Strategy
func (f StrategyFunc) Classify(query string) Verdict {
	return f(query)
}

// Validator dispatches classification to the strategy registered for a dialect
type Validator struct {
	mu         sync.RWMutex
	strategies map[Dialect]Strategy
}

// New creates a validator with strategies for every supported dialect
func New() *Validator {
	v := &Validator{strategies: make(map[Dialect]Strategy)}
	v.Register(DialectPostgres, newSQLStrategy(postgresRules))
	v.Register(DialectMySQL, newSQLStrategy(mysqlRules))
	v.Register(DialectMSSQL, newSQLStrategy(mssqlRules))
	v.Register(DialectSQLite, newSQLStrategy(sqliteRules))
	v.Register(DialectMDX, StrategyFunc(classifyMDX))
	v.Register(DialectInfluxQL, StrategyFunc(classifyInfluxQL))
	v.Register(DialectESSQL, StrategyFunc(classifyESSQL))
	v.Register(DialectMongo, StrategyFunc(classifyMongo))
	return v
}

// Register installs or replaces the strategy for a dialect
func (v *Validator) Register(d Dialect, s Strategy) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.strategies[d] = s
}

// Dialects returns the registered dialects, sorted
func (v *Validator) Dialects() []Dialect {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Dialect, 0, len(v.strategies))
	for d := range v.strategies {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Classify returns the verdict for query in dialect d. Unknown dialects,
// blank queries and strategy panics are all unsafe.
func (v *Validator) Classify(d Dialect, query string) (verdict Verdict) {
	v.mu.RLock()
	s, ok := v.strategies[d]
	v.mu.RUnlock()
	if !ok {
		return unsafe("no safety rules for dialect %q", d)
	}
	if strings.TrimSpace(query) == "" {
		return unsafe("empty query")
	}

	defer func() {
		if r := recover(); r != nil {
			verdict = unsafe("query could not be classified: %v", r)
		}
	}()

	verdict = s.Classify(query)
	if !verdict.Safe && verdict.Reason == "" {
		verdict.Reason = "query could not be classified as read-only"
	}
	return verdict
}

// Check returns a ValidationRejection error when query is not read-only
func (v *Validator) Check(d Dialect, query string) error {
	verdict := v.Classify(d, query)
	if verdict.Safe {
		return nil
	}
	return apperr.Errorf(apperr.KindValidationRejection, "validate", "%s", verdict.Reason)
}

// keywordPattern matches any of the given words as whole words, case-insensitively
func keywordPattern(words ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^a-z0-9_])(` + strings.Join(words, "|") + `)(?:[^a-z0-9_]|$)`)
}

// findKeyword returns the first denied word in s, upper-cased
func findKeyword(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

func oneOf(word string, allowed []string) bool {
	for _, a := range allowed {
		if word == a {
			return true
		}
	}
	return false
}

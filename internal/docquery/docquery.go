// Package docquery parses the textual document-store query form
// `collection.operation(arg, ...)`, where each argument is MongoDB extended JSON.
package docquery

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Read operations accepted by the document-store connector
const (
	OpFind           = "find"
	OpFindOne        = "find_one"
	OpCountDocuments = "count_documents"
	OpAggregate      = "aggregate"
	OpDistinct       = "distinct"
)

var operationAliases = map[string]string{
	"find":            OpFind,
	"find_one":        OpFindOne,
	"findone":         OpFindOne,
	"count_documents": OpCountDocuments,
	"countdocuments":  OpCountDocuments,
	"aggregate":       OpAggregate,
	"distinct":        OpDistinct,
}

// Command is a parsed document-store query
type Command struct {
	Collection string
	Operation  string
	Args       []any
}

// IsReadOperation reports whether op names one of the read operations
func IsReadOperation(op string) bool {
	_, ok := operationAliases[strings.ToLower(op)]
	return ok
}

// Parse parses `collection.operation(args)`. A leading `db.` is ignored and a
// single trailing semicolon is tolerated. Unknown operations are returned
// as-is so callers can report them.
func Parse(query string) (*Command, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if q == "" {
		return nil, fmt.Errorf("empty query")
	}

	open := strings.IndexByte(q, '(')
	if open < 0 || !strings.HasSuffix(q, ")") {
		return nil, fmt.Errorf("expected collection.operation(args), got %q", query)
	}

	head := strings.TrimSpace(q[:open])
	head = strings.TrimPrefix(head, "db.")
	dot := strings.LastIndexByte(head, '.')
	if dot <= 0 || dot == len(head)-1 {
		return nil, fmt.Errorf("expected collection.operation(args), got %q", query)
	}

	cmd := &Command{
		Collection: head[:dot],
		Operation:  head[dot+1:],
	}
	if canonical, ok := operationAliases[strings.ToLower(cmd.Operation)]; ok {
		cmd.Operation = canonical
	}

	args, err := parseArgs(q[open+1 : len(q)-1])
	if err != nil {
		return nil, fmt.Errorf("invalid arguments for %s.%s: %w", cmd.Collection, cmd.Operation, err)
	}
	cmd.Args = args
	return cmd, nil
}

func parseArgs(raw string) ([]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var wrapper struct {
		Args bson.A `bson:"args"`
	}
	doc := `{"args": [` + raw + `]}`
	if err := bson.UnmarshalExtJSON([]byte(doc), false, &wrapper); err != nil {
		return nil, err
	}
	return []any(wrapper.Args), nil
}

// Arg returns the i-th argument or nil
func (c *Command) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Document returns the i-th argument as a filter or projection document.
// A missing argument yields an empty document.
func (c *Command) Document(i int) (bson.D, error) {
	switch v := c.Arg(i).(type) {
	case nil:
		return bson.D{}, nil
	case primitive.D:
		return v, nil
	case primitive.M:
		d := make(bson.D, 0, len(v))
		for k, val := range v {
			d = append(d, bson.E{Key: k, Value: val})
		}
		return d, nil
	default:
		return nil, fmt.Errorf("argument %d must be a document, got %T", i+1, v)
	}
}

// Pipeline returns the i-th argument as an aggregation pipeline
func (c *Command) Pipeline(i int) (bson.A, error) {
	switch v := c.Arg(i).(type) {
	case nil:
		return bson.A{}, nil
	case primitive.A:
		return v, nil
	case []any:
		return bson.A(v), nil
	default:
		return nil, fmt.Errorf("argument %d must be a pipeline array, got %T", i+1, v)
	}
}

// WalkKeys calls fn for every document key found in v, depth first.
// Walking stops early when fn returns false.
func WalkKeys(v any, fn func(key string) bool) bool {
	switch t := v.(type) {
	case primitive.D:
		for _, e := range t {
			if !fn(e.Key) || !WalkKeys(e.Value, fn) {
				return false
			}
		}
	case primitive.M:
		for k, val := range t {
			if !fn(k) || !WalkKeys(val, fn) {
				return false
			}
		}
	case map[string]any:
		for k, val := range t {
			if !fn(k) || !WalkKeys(val, fn) {
				return false
			}
		}
	case primitive.A:
		for _, val := range t {
			if !WalkKeys(val, fn) {
				return false
			}
		}
	case []any:
		for _, val := range t {
			if !WalkKeys(val, fn) {
				return false
			}
		}
	}
	return true
}

package graphql

import (
	"encoding/json"
	"errors"
	"mime"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
)

// Media types understood by Parse.
const (
	ContentTypeGraphQL = "application/graphql"
	ContentTypeJSON    = "application/json"
)

// jsonBody is the GraphQL-over-HTTP JSON envelope.
type jsonBody struct {
	Query         *string         `json:"query"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables"`
}

// Parse extracts the GraphQL request from an HTTP body.
// application/json bodies carry the document in "query"; every other content
// type, including application/graphql and a missing header, is read as raw
// document text.
func Parse(contentType string, body []byte) (*Request, error) {
	if mediaType(contentType) != ContentTypeJSON {
		return ParseDocument(string(body), "")
	}

	var env jsonBody
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ParseError{Kind: ErrSyntax, Message: "invalid JSON body", Err: err}
	}
	if env.Query == nil || strings.TrimSpace(*env.Query) == "" {
		return nil, &ParseError{Kind: ErrMissingQuery}
	}
	return ParseDocument(*env.Query, env.OperationName)
}

// ParseDocument parses GraphQL source text. operationName selects the
// operation when the document defines several.
func ParseDocument(source, operationName string) (*Request, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, fromParserError(err)
	}

	op, perr := selectOperation(doc, operationName)
	if perr != nil {
		return nil, perr
	}

	req := &Request{
		OperationName: op.Name,
		Counts:        make(map[string]int),
	}
	switch op.Operation {
	case ast.Query, "":
		req.Operation = Query
	case ast.Mutation:
		req.Operation = Mutation
	default:
		return nil, syntaxErrorf("unsupported operation type %q", op.Operation)
	}

	w := rootWalker{doc: doc, req: req, seen: make(map[string]bool)}
	if perr := w.walk(op.SelectionSet); perr != nil {
		return nil, perr
	}
	if len(req.Fields) == 0 {
		return nil, syntaxErrorf("empty selection set")
	}
	return req, nil
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, *ParseError) {
	switch {
	case len(doc.Operations) == 0:
		return nil, syntaxErrorf("document contains no operation")
	case name != "":
		for _, op := range doc.Operations {
			if op.Name == name {
				return op, nil
			}
		}
		return nil, syntaxErrorf("unknown operation %q", name)
	case len(doc.Operations) > 1:
		return nil, syntaxErrorf("operationName is required when the document has %d operations", len(doc.Operations))
	default:
		return doc.Operations[0], nil
	}
}

// rootWalker collects root field names. Fragments spread at the root are
// expanded since their fields execute at the root; nested selections are
// never visited.
type rootWalker struct {
	doc  *ast.QueryDocument
	req  *Request
	seen map[string]bool
}

func (w *rootWalker) walk(set ast.SelectionSet) *ParseError {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			w.add(s.Name)
		case *ast.InlineFragment:
			if perr := w.walk(s.SelectionSet); perr != nil {
				return perr
			}
		case *ast.FragmentSpread:
			if w.seen[s.Name] {
				return syntaxErrorf("fragment %q spreads itself", s.Name)
			}
			frag := w.fragment(s.Name)
			if frag == nil {
				return syntaxErrorf("unknown fragment %q", s.Name)
			}
			w.seen[s.Name] = true
			if perr := w.walk(frag.SelectionSet); perr != nil {
				return perr
			}
			delete(w.seen, s.Name)
		}
	}
	return nil
}

func (w *rootWalker) add(name string) {
	if w.req.Counts[name] == 0 {
		w.req.Fields = append(w.req.Fields, name)
	}
	w.req.Counts[name]++
}

func (w *rootWalker) fragment(name string) *ast.FragmentDefinition {
	for _, f := range w.doc.Fragments {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func fromParserError(err error) *ParseError {
	perr := &ParseError{Kind: ErrSyntax, Message: err.Error(), Err: err}
	var gqlErr *gqlerror.Error
	if errors.As(err, &gqlErr) {
		perr.Message = gqlErr.Message
		if len(gqlErr.Locations) > 0 {
			perr.Line = gqlErr.Locations[0].Line
			perr.Column = gqlErr.Locations[0].Column
		}
	}
	return perr
}

// Package graphql reduces an inbound GraphQL request to its operation kind
// and the names of the fields selected at the root of that operation.
package graphql

// Operation is the kind of the executed GraphQL operation.
type Operation string

const (
	// Query is a read operation, also implied by the shorthand "{ ... }" form.
	Query Operation = "query"
	// Mutation is a write operation.
	Mutation Operation = "mutation"
)

// String returns the GraphQL keyword for the operation.
func (o Operation) String() string {
	return string(o)
}

// Request is the authorization view of one GraphQL document.
// Fields is never empty for a successfully parsed request.
type Request struct {
	// Operation is the kind of the selected operation.
	Operation Operation
	// OperationName is the name of the selected operation, empty when anonymous.
	OperationName string
	// Fields are the distinct root field names in document order.
	// Aliases are resolved to the underlying field name.
	Fields []string
	// Counts holds how many times each root field is selected.
	Counts map[string]int
}

// Command arboric is a GraphQL reverse proxy that enforces field-level
// access policies over JWT claims.
package main

import "github.com/arboric/arboric/cmd/arboric/cmd"

func main() {
	cmd.Execute()
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arboric/arboric/internal/adapter/inbound/admin"
	"github.com/arboric/arboric/internal/adapter/outbound/cel"
	"github.com/arboric/arboric/internal/adapter/outbound/policyfile"
	"github.com/arboric/arboric/internal/config"
	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/arboric/arboric/internal/domain/graphql"
	"github.com/arboric/arboric/internal/domain/policy"
	"github.com/arboric/arboric/internal/domain/token"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Check policies or evaluate a query offline",
}

var checkFormat string

var policyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and compile the configured policies",
	Long: `Load the inline policies and the policies file, compile them, and print
the result. Exits non-zero if any policy fails to compile.

Formats:
  yaml     the normalized policies, ready to use as a policies file (default)
  summary  one line per condition and pattern, as the evaluator sees them`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, set, err := loadPolicySet(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch checkFormat {
		case "yaml":
			if err := policyfile.Write(out, set.Definitions()); err != nil {
				return err
			}
		case "summary":
			writeSummary(out, set)
		default:
			return fmt.Errorf("unknown format %q (want yaml or summary)", checkFormat)
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "%d policies OK (version %s, dev_mode=%t)\n", set.Len(), set.Version(), cfg.DevMode)
		return nil
	},
}

var (
	evalClaims      string
	evalToken       string
	evalContentType string
	evalQuery       string
	evalFile        string
)

var policyEvalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a GraphQL request against the policies without forwarding it",
	Long: `Evaluate a GraphQL request against the configured policies and print
the per-field decisions as JSON.

The caller is described either by --claims (a JSON object) or by --token
(a JWT verified with the configured signing key). With neither, the
request is evaluated as anonymous.

Examples:
  arboric policy eval --claims '{"sub":"17"}' --query '{ hero { name } }'
  arboric policy eval --token "$JWT" --file request.json --content-type application/json
  echo 'mutation { deleteHero }' | arboric policy eval --file -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, set, err := loadPolicySet(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		body, err := evalBody(cmd.InOrStdin())
		if err != nil {
			return err
		}
		req, err := graphql.Parse(evalContentType, body)
		if err != nil {
			return err
		}

		c, err := evalCaller(cfg)
		if err != nil {
			return err
		}

		resp := admin.NewEvaluateResponse(req, set.Evaluate(c, req), set)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

func init() {
	policyCheckCmd.Flags().StringVarP(&checkFormat, "output", "o", "yaml", "output format: yaml or summary")

	policyEvalCmd.Flags().StringVar(&evalClaims, "claims", "", "caller claims as a JSON object")
	policyEvalCmd.Flags().StringVar(&evalToken, "token", "", "caller JWT, verified with the configured signing key")
	policyEvalCmd.Flags().StringVar(&evalContentType, "content-type", graphql.ContentTypeGraphQL, "content type of the request body")
	policyEvalCmd.Flags().StringVarP(&evalQuery, "query", "q", "", "GraphQL request body")
	policyEvalCmd.Flags().StringVarP(&evalFile, "file", "f", "", "read the request body from a file ('-' for stdin)")
	policyEvalCmd.MarkFlagsMutuallyExclusive("claims", "token")
	policyEvalCmd.MarkFlagsMutuallyExclusive("query", "file")
	policyEvalCmd.MarkFlagsOneRequired("query", "file")

	policyCmd.AddCommand(policyCheckCmd, policyEvalCmd)
	rootCmd.AddCommand(policyCmd)
}

// loadPolicySet loads the config and compiles its policies, logging to w.
func loadPolicySet(ctx context.Context, w io.Writer) (*config.Config, *policy.Set, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))

	defs, err := policyfile.Merge(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	exprs, err := cel.NewEvaluator()
	if err != nil {
		return nil, nil, err
	}
	set, err := policy.Compile(defs, exprs)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid policies: %w", err)
	}
	return cfg, set, nil
}

func evalBody(stdin io.Reader) ([]byte, error) {
	switch evalFile {
	case "":
		return []byte(evalQuery), nil
	case "-":
		return io.ReadAll(stdin)
	default:
		return os.ReadFile(evalFile)
	}
}

func evalCaller(cfg *config.Config) (claims.Claims, error) {
	switch {
	case evalClaims != "":
		var values map[string]any
		if err := json.Unmarshal([]byte(evalClaims), &values); err != nil {
			return claims.Claims{}, fmt.Errorf("--claims: %w", err)
		}
		return claims.New(values), nil
	case evalToken != "":
		key, err := cfg.JWT.SigningKey.Resolve()
		if err != nil {
			return claims.Claims{}, err
		}
		verifier, err := token.NewVerifier(key, token.WithLeeway(cfg.JWT.Leeway))
		if err != nil {
			return claims.Claims{}, err
		}
		raw := evalToken
		if t, ok := token.BearerToken(evalToken); ok {
			raw = t
		}
		return verifier.Verify(raw)
	default:
		return claims.Anonymous(), nil
	}
}

func writeSummary(w io.Writer, set *policy.Set) {
	for i, p := range set.Policies() {
		name := p.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "policy[%d] %s\n", i, name)
		if len(p.When) == 0 {
			fmt.Fprintln(w, "  when: always")
		}
		for _, c := range p.When {
			fmt.Fprintf(w, "  when:  %s\n", c)
		}
		for _, pat := range p.Deny {
			fmt.Fprintf(w, "  deny:  %s\n", describePattern(pat))
		}
		for _, pat := range p.Allow {
			fmt.Fprintf(w, "  allow: %s\n", describePattern(pat))
		}
	}
}

func describePattern(p policy.Pattern) string {
	field := p.Field
	switch {
	case p.Wildcard && field == "":
		field = "any field"
	case p.Wildcard:
		field = "fields starting with " + field
	default:
		field = "field " + field
	}
	return fmt.Sprintf("%-8s %s (%s)", p.Scope, field, strings.TrimSpace(p.Raw))
}

package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

// adminKeyParams are the OWASP minimum parameters for Argon2id.
var adminKeyParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an argon2id hash for the admin API key",
	Long: `Generate an argon2id hash of an admin API key for use in config.

The output is a PHC string ("$argon2id$v=19$...") which can be used
directly as admin.api_key_hash.

Example:
  arboric hash-key "my-admin-key"

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  arboric hash-key "$ARBORIC_ADMIN_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := argon2id.CreateHash(args[0], adminKeyParams)
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"meshlicense/internal/catalog"
)

func newSignDocumentCommand() *cobra.Command {
	var (
		keyPath       string
		passphraseEnv string
		output        string
	)
	cmd := &cobra.Command{
		Use:   "sign-document <authority-id> <license.json>",
		Short: "Append an authority signature to a license document",
		Long: `Validate a license document and append a detached signature from the
given authority. Existing signatures are kept, so a document can be signed by
several authorities in turn.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadSigningKey(keyPath, passphraseEnv)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			l, err := catalog.ParseDocument(data)
			if err != nil {
				return err
			}
			if err := catalog.SignDocument(l, args[0], key); err != nil {
				return err
			}
			out, err := json.MarshalIndent(l, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal license %s: %w", l.ID, err)
			}
			return writeOutput(cmd.OutOrStdout(), output, append(out, '\n'), 0o644)
		},
	}
	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "authority private key file")
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "", "environment variable holding the private key passphrase")
	cmd.Flags().StringVarP(&output, "out", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

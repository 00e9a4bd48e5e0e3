package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"meshlicense/internal/authority"
	"meshlicense/internal/config"
	"meshlicense/internal/security"
	"meshlicense/internal/signature"
)

const secretLength = 32

func newKeygenCommand() *cobra.Command {
	var (
		outDir        string
		bits          int
		passphraseEnv string
	)
	cmd := &cobra.Command{
		Use:   "keygen <authority-id>",
		Short: "Generate an authority document signing key pair",
		Long: `Generate an RSA key pair for signing license documents.

Writes <authority-id>.pem (the public key nodes list under trusted_keys) and
<authority-id>.key. The private key is sealed with a passphrase read from the
environment variable named by --passphrase-env when one is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			key, err := rsa.GenerateKey(rand.Reader, bits)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			auth := authority.New(id, nil, key)

			pub, err := auth.PublicKeyPEM()
			if err != nil {
				return err
			}
			private := []byte(auth.PrivateKeyPEM())
			if passphraseEnv != "" {
				passphrase := os.Getenv(passphraseEnv)
				if passphrase == "" {
					return fmt.Errorf("environment variable %s is empty", passphraseEnv)
				}
				sealed, err := security.Seal(private, []byte(passphrase), security.DefaultSealParams())
				if err != nil {
					return err
				}
				if private, err = security.MarshalSealed(sealed); err != nil {
					return err
				}
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			pubPath := filepath.Join(outDir, id+".pem")
			keyPath := filepath.Join(outDir, id+".key")
			if err := writeOutput(cmd.OutOrStdout(), pubPath, []byte(pub), 0o644); err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), keyPath, private, 0o600); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"authority":   id,
				"public_key":  pubPath,
				"private_key": keyPath,
				"sealed":      passphraseEnv != "",
			})
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().IntVar(&bits, "bits", 3072, "RSA key size")
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "", "environment variable holding the passphrase that seals the private key")
	return cmd
}

// loadSigningKey reads a PEM private key, opening it first when it is sealed.
func loadSigningKey(path, passphraseEnv string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		sealed, err := security.UnmarshalSealed(trimmed)
		if err != nil {
			return nil, err
		}
		if passphraseEnv == "" {
			return nil, errors.New("signing key is sealed; set --passphrase-env")
		}
		if data, err = security.Open(sealed, []byte(os.Getenv(passphraseEnv))); err != nil {
			return nil, err
		}
	}
	return authority.ParsePrivateKeyPEM(data)
}

func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate or conceal the activation key secret",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate a random secret and print it concealed, ready for authority_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := make([]byte, secretLength)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(signature.Conceal(secret)))
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "conceal <hex-secret>",
		Short: "Conceal a plain hex secret for configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plain, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("secret must be hex: %w", err)
			}
			if len(plain) == 0 {
				return errors.New("secret cannot be empty")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(signature.Conceal(plain)))
			return err
		},
	})
	return cmd
}

// secretFlags resolves the authority secret the way the node does.
type secretFlags struct {
	value string
	file  string
}

func (f *secretFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.value, "secret", os.Getenv(config.EnvPrefix+"_LICENSE_AUTHORITY_SECRET"), "concealed authority secret (hex or base64)")
	cmd.Flags().StringVar(&f.file, "secret-file", os.Getenv(config.EnvPrefix+"_LICENSE_AUTHORITY_SECRET_FILE"), "file holding the concealed authority secret")
}

func (f *secretFlags) resolve() ([]byte, error) {
	raw, err := config.LicenseConfig{AuthoritySecret: f.value, AuthoritySecretFile: f.file}.AuthoritySecretValue()
	if err != nil {
		return nil, err
	}
	return signature.ParseSecret(raw)
}

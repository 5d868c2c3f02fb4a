package cli

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/raskyld/friends"
	"github.com/spf13/cobra"
)

var ErrInvalidKey = errors.New("cli: invalid ed25519 key")

// loadSignKey reads an hex encoded ed25519 seed.
func loadSignKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, path)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func signer(key ed25519.PrivateKey) friends.SignFunc {
	return func(_ context.Context, payload []byte) ([]byte, error) {
		return ed25519.Sign(key, payload), nil
	}
}

// verifier accepts the signatures of the trusted usernames only.
func verifier(trusted map[string]string) (friends.VerifyFunc, error) {
	keys := make(map[string]ed25519.PublicKey, len(trusted))
	for username, encoded := range trusted {
		pub, err := hex.DecodeString(encoded)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: public key of %s", ErrInvalidKey, username)
		}
		keys[username] = pub
	}

	return func(_ context.Context, username string, payload, signature []byte) (bool, error) {
		pub, ok := keys[username]
		if !ok || len(signature) != ed25519.SignatureSize {
			return false, nil
		}
		return ed25519.Verify(pub, payload, signature), nil
	}, nil
}

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Out string
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 signing key",
		Long: `Generate an ed25519 signing key and print its public key.

Share the public key with your friends so they can list it under "trusted".

Example:
  friends keygen --out ./alice.key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := generateKey(opts.Out)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(pub))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Out, "out", "", "where to write the private key (required)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func generateKey(out string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(out, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
		return nil, err
	}
	return pub, nil
}

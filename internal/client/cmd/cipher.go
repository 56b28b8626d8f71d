package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/peer-link/internal/crypt"
	"github.com/spf13/cobra"
)

type cipherFlags struct {
	passphrase string
	boxKey     string
	boxPeer    string
}

func (f *cipherFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.passphrase, "passphrase", "", "encrypt messages with a shared passphrase")
	cmd.Flags().StringVar(&f.boxKey, "box-key", "", "hex private key for NaCl box encryption (see keygen)")
	cmd.Flags().StringVar(&f.boxPeer, "box-peer", "", "hex public key of the peer for NaCl box encryption")
}

// cipher returns nil when no encryption was asked for.
func (f *cipherFlags) cipher() (crypt.Cipher, error) {
	box := f.boxKey != "" || f.boxPeer != ""
	switch {
	case f.passphrase != "" && box:
		return nil, errors.New("--passphrase and --box-key/--box-peer are exclusive")
	case f.passphrase != "":
		p, err := crypt.NewPassphrase(f.passphrase)
		if err != nil {
			return nil, err
		}
		return p, nil
	case box:
		priv, err := decodeKey("box-key", f.boxKey)
		if err != nil {
			return nil, err
		}
		pub, err := decodeKey("box-peer", f.boxPeer)
		if err != nil {
			return nil, err
		}
		return crypt.NewBox(priv, pub), nil
	default:
		return nil, nil
	}
}

func decodeKey(flag, s string) (*[32]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("--%s must be 64 hex characters", flag)
	}
	var key [32]byte
	copy(key[:], b)
	return &key, nil
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "generate a NaCl box key pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := crypt.GenerateBoxKeys()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "public:  %x\nprivate: %x\n", pub[:], priv[:])
		return nil
	},
}

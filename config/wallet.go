package config

import (
	"bytes"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// WalletTypeCrossmint is the only supported wallet provider.
const WalletTypeCrossmint = "crossmint"

// Wallet is the server's payment wallet, read from a TOML file:
//
//	type = "crossmint"
//	locator = "email:dev@example.com:solana"
//	address = "7Xf..."
//	crossmint_api_key = "sk_..."
//	keypair_path = "keypair.json"
type Wallet struct {
	Type        string `toml:"type"`
	Locator     string `toml:"locator"`
	Address     string `toml:"address"`
	APIKey      string `toml:"crossmint_api_key"`
	KeypairPath string `toml:"keypair_path"`
	Staging     bool   `toml:"staging"`
}

// LoadWallet reads a wallet file.
func LoadWallet(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read wallet %s", path)
	}
	return ParseWallet(data)
}

// ParseWallet decodes a wallet document.
func ParseWallet(data []byte) (*Wallet, error) {
	var w Wallet
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, errors.Wrap(err, "decode wallet")
	}

	if w.Type == "" {
		w.Type = WalletTypeCrossmint
	}
	if w.Type != WalletTypeCrossmint {
		return nil, errors.Errorf("unsupported wallet type %q", w.Type)
	}
	if w.Address == "" {
		return nil, errors.New("wallet has no address")
	}
	return &w, nil
}

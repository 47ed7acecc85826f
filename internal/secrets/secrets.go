package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// PasswordEnv holds the password of an encrypted secrets file.
const PasswordEnv = "FASSET_SECRETS_PASSWORD"

var ErrMissingAccount = errors.New("account missing from secrets")

// Account is a native chain address with its private key.
type Account struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// Secrets are the keys of every bot role. When Encrypted is set the private
// keys and the API key are EncryptText output.
type Secrets struct {
	Encrypted    bool     `json:"encrypted"`
	APIKey       string   `json:"apiKey,omitempty"`
	// DataAccessLayerAPIKeys match actors' data access layer urls by index.
	DataAccessLayerAPIKeys []string `json:"dataAccessLayerApiKeys,omitempty"`
	Owner                  *Account `json:"owner,omitempty"`
	Liquidator             *Account `json:"liquidator,omitempty"`
	Challenger             *Account `json:"challenger,omitempty"`
	SystemKeeper           *Account `json:"systemKeeper,omitempty"`
	TimeKeeper             *Account `json:"timeKeeper,omitempty"`
	PricePublisher         *Account `json:"pricePublisher,omitempty"`
}

// Load reads a secrets file and decrypts it with password when it is
// encrypted.
func Load(path, password string) (*Secrets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	var s Secrets
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse secrets %s: %w", path, err)
	}
	if !s.Encrypted {
		return &s, nil
	}
	if password == "" {
		return nil, fmt.Errorf("secrets %s are encrypted: set %s", path, PasswordEnv)
	}
	if err := s.transform(func(v string) (string, error) { return DecryptText(password, v) }); err != nil {
		return nil, err
	}
	s.Encrypted = false
	return &s, nil
}

// Encrypt returns a copy with every private key and the API key encrypted.
func (s *Secrets) Encrypt(password string, method Method) (*Secrets, error) {
	if s.Encrypted {
		return nil, errors.New("secrets already encrypted")
	}
	out := s.clone()
	if err := out.transform(func(v string) (string, error) { return EncryptText(password, v, method) }); err != nil {
		return nil, err
	}
	out.Encrypted = true
	return out, nil
}

// Save writes the secrets readable by the owner only.
func (s *Secrets) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	return nil
}

// Account returns the account of a bot role: owner, liquidator, challenger,
// systemKeeper, timeKeeper or pricePublisher.
func (s *Secrets) Account(role string) (Account, error) {
	var a *Account
	switch role {
	case "owner", "agent":
		a = s.Owner
	case "liquidator":
		a = s.Liquidator
	case "challenger":
		a = s.Challenger
	case "systemKeeper":
		a = s.SystemKeeper
	case "timeKeeper":
		a = s.TimeKeeper
	case "pricePublisher":
		a = s.PricePublisher
	}
	if a == nil || a.Address == "" {
		return Account{}, fmt.Errorf("%w: %s", ErrMissingAccount, role)
	}
	return *a, nil
}

func (s *Secrets) accounts() []*Account {
	return []*Account{s.Owner, s.Liquidator, s.Challenger, s.SystemKeeper, s.TimeKeeper, s.PricePublisher}
}

func (s *Secrets) transform(fn func(string) (string, error)) error {
	if s.APIKey != "" {
		v, err := fn(s.APIKey)
		if err != nil {
			return fmt.Errorf("api key: %w", err)
		}
		s.APIKey = v
	}
	for i, key := range s.DataAccessLayerAPIKeys {
		if key == "" {
			continue
		}
		v, err := fn(key)
		if err != nil {
			return fmt.Errorf("data access layer api key %d: %w", i, err)
		}
		s.DataAccessLayerAPIKeys[i] = v
	}
	for _, a := range s.accounts() {
		if a == nil || a.PrivateKey == "" {
			continue
		}
		v, err := fn(a.PrivateKey)
		if err != nil {
			return fmt.Errorf("private key of %s: %w", a.Address, err)
		}
		a.PrivateKey = v
	}
	return nil
}

func (s *Secrets) clone() *Secrets {
	out := *s
	copyAccount := func(a *Account) *Account {
		if a == nil {
			return nil
		}
		c := *a
		return &c
	}
	out.Owner = copyAccount(s.Owner)
	out.Liquidator = copyAccount(s.Liquidator)
	out.Challenger = copyAccount(s.Challenger)
	out.SystemKeeper = copyAccount(s.SystemKeeper)
	out.TimeKeeper = copyAccount(s.TimeKeeper)
	out.PricePublisher = copyAccount(s.PricePublisher)
	out.DataAccessLayerAPIKeys = append([]string(nil), s.DataAccessLayerAPIKeys...)
	return &out
}

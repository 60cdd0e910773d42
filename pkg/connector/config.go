// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

const defaultBaseURL = "https://api.disclawd.com"

// Transport strategy names accepted in configuration.
const (
	TransportSocket  = "socket"
	TransportProcess = "process"
)

// AccountConfig configures one Disclawd account and its gateway instance.
// Environment overrides apply to the primary account only.
type AccountConfig struct {
	Name    string `yaml:"name"`
	Token   string `yaml:"token"    env:"DISCLAWD_TOKEN"`
	BaseURL string `yaml:"base_url" env:"DISCLAWD_BASE_URL"`

	// Channels are explicit channel ids subscribed in addition to server
	// discovery. Servers are expanded to their member channels at startup.
	Channels []string `yaml:"channels" env:"DISCLAWD_CHANNELS"`
	Servers  []string `yaml:"servers"  env:"DISCLAWD_SERVERS"`

	// MentionsOnly restricts the interest set to the own-user channel;
	// mentions and DM events still arrive there.
	MentionsOnly     bool `yaml:"mentions_only"     env:"DISCLAWD_MENTIONS_ONLY"`
	AutoJoinServers  bool `yaml:"auto_join_servers" env:"DISCLAWD_AUTO_JOIN_SERVERS"`
	TypingIndicators bool `yaml:"typing_indicators" env:"DISCLAWD_TYPING_INDICATORS"`

	// Transport selects the strategy: TransportSocket or TransportProcess.
	Transport  string   `yaml:"transport"   env:"DISCLAWD_TRANSPORT"`
	HelperPath string   `yaml:"helper_path" env:"DISCLAWD_HELPER_PATH"`
	HelperArgs []string `yaml:"helper_args"`

	MaxMessageLength int `yaml:"max_message_length" env:"DISCLAWD_MAX_MESSAGE_LENGTH"`
	RatePerMinute    int `yaml:"rate_per_minute"    env:"DISCLAWD_RATE_PER_MINUTE"`
}

// Config is the top-level gateway configuration: one env-overridable primary
// account plus any number of additional accounts.
type Config struct {
	BaseURL  string          `yaml:"base_url" env:"DISCLAWD_BASE_URL"`
	Account  AccountConfig   `yaml:"account"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// LoadConfig reads the YAML file at path, applies DISCLAWD_* environment
// overrides, fills defaults and validates. A missing file is not an error;
// the environment alone can configure the primary account.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	accounts := c.allAccountRefs()
	for i, acct := range accounts {
		if acct.Name == "" {
			if acct == &c.Account {
				acct.Name = "default"
			} else {
				acct.Name = fmt.Sprintf("account-%d", i)
			}
		}
		if acct.BaseURL == "" {
			acct.BaseURL = c.BaseURL
		}
		if acct.Transport == "" {
			acct.Transport = TransportSocket
		}
		if acct.HelperPath == "" {
			acct.HelperPath = "disclawd-stream"
		}
		if acct.MaxMessageLength <= 0 {
			acct.MaxMessageLength = DefaultMaxMessageLength
		}
		if acct.RatePerMinute <= 0 {
			acct.RatePerMinute = defaultRatePerMinute
		}
	}
}

// Validate checks every configured account. The primary account slot may be
// left empty when additional accounts are configured.
func (c *Config) Validate() error {
	accounts := c.AllAccounts()
	if len(accounts) == 0 {
		return fmt.Errorf("no accounts configured: set account.token or DISCLAWD_TOKEN")
	}
	for _, acct := range accounts {
		if acct.Token == "" {
			return fmt.Errorf("account %q: token is required", acct.Name)
		}
		if acct.Transport != TransportSocket && acct.Transport != TransportProcess {
			return fmt.Errorf("account %q: unknown transport %q", acct.Name, acct.Transport)
		}
	}
	return nil
}

// AllAccounts returns every configured account, primary first. The primary
// slot is skipped entirely when it has no token.
func (c *Config) AllAccounts() []AccountConfig {
	var out []AccountConfig
	if c.Account.Token != "" {
		out = append(out, c.Account)
	}
	out = append(out, c.Accounts...)
	return out
}

func (c *Config) allAccountRefs() []*AccountConfig {
	refs := []*AccountConfig{&c.Account}
	for i := range c.Accounts {
		refs = append(refs, &c.Accounts[i])
	}
	return refs
}

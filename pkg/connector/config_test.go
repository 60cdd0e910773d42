// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
account:
    token: tok
    servers: [s1]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	acct := cfg.Account
	if acct.Name != "default" {
		t.Errorf("name: got %q, want default", acct.Name)
	}
	if acct.BaseURL != defaultBaseURL {
		t.Errorf("base url: got %q, want %q", acct.BaseURL, defaultBaseURL)
	}
	if acct.Transport != TransportSocket {
		t.Errorf("transport: got %q, want socket", acct.Transport)
	}
	if acct.MaxMessageLength != DefaultMaxMessageLength {
		t.Errorf("max length: got %d, want %d", acct.MaxMessageLength, DefaultMaxMessageLength)
	}
	if acct.RatePerMinute != defaultRatePerMinute {
		t.Errorf("rate: got %d, want %d", acct.RatePerMinute, defaultRatePerMinute)
	}
}

func TestLoadConfigBaseURLInheritance(t *testing.T) {
	path := writeConfig(t, `
base_url: https://chat.example.com
account:
    token: tok
accounts:
    - name: second
      token: tok2
      base_url: https://other.example.com
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Account.BaseURL != "https://chat.example.com" {
		t.Errorf("primary base url: got %q", cfg.Account.BaseURL)
	}
	if cfg.Accounts[0].BaseURL != "https://other.example.com" {
		t.Errorf("second base url: got %q", cfg.Accounts[0].BaseURL)
	}
}

func TestLoadConfigEnvOnly(t *testing.T) {
	t.Setenv("DISCLAWD_TOKEN", "env-tok")
	t.Setenv("DISCLAWD_CHANNELS", "c1,c2")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Account.Token != "env-tok" {
		t.Errorf("token: got %q, want env value", cfg.Account.Token)
	}
	if len(cfg.Account.Channels) != 2 || cfg.Account.Channels[0] != "c1" {
		t.Errorf("channels: got %v", cfg.Account.Channels)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("DISCLAWD_TOKEN", "env-tok")
	path := writeConfig(t, `
account:
    token: file-tok
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Account.Token != "env-tok" {
		t.Errorf("token: got %q, want the environment to win", cfg.Account.Token)
	}
}

func TestLoadConfigRejectsMissingToken(t *testing.T) {
	path := writeConfig(t, `
accounts:
    - name: broken
`)
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Errorf("LoadConfig: got %v, want token error", err)
	}
}

func TestLoadConfigRejectsUnknownTransport(t *testing.T) {
	path := writeConfig(t, `
account:
    token: tok
    transport: carrier-pigeon
`)
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "unknown transport") {
		t.Errorf("LoadConfig: got %v, want transport error", err)
	}
}

func TestAllAccountsSkipsTokenlessPrimary(t *testing.T) {
	path := writeConfig(t, `
accounts:
    - token: tok
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	accounts := cfg.AllAccounts()
	if len(accounts) != 1 {
		t.Fatalf("accounts: got %d, want 1", len(accounts))
	}
	if accounts[0].Name != "account-1" {
		t.Errorf("generated name: got %q, want account-1", accounts[0].Name)
	}
}

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("embedded example config does not parse: %v", err)
	}
	if cfg.Account.Transport != TransportSocket {
		t.Errorf("example transport: got %q", cfg.Account.Transport)
	}
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Account pairs a trading account with its dedicated debugging port.
// Credentials are loaded here but must never appear in logs or snapshots.
type Account struct {
	DisplayName  string `yaml:"display_name"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	AssignedPort int    `yaml:"assigned_port"`
}

// ID returns the stable identifier used across routing, sessions and
// reports. Display names are unique per validation.
func (a Account) ID() string {
	return a.DisplayName
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadAccounts reads the account/credentials file.
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("failed to read accounts file %s: %v", path, err)}
	}

	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("failed to parse accounts file %s: %v", path, err)}
	}

	return f.Accounts, nil
}

// LoadStrategyMap reads the strategy_tag -> account display names map.
func LoadStrategyMap(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("failed to read strategy file %s: %v", path, err)}
	}

	var m map[string][]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("failed to parse strategy file %s: %v", path, err)}
	}

	return m, nil
}

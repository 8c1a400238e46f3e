package config

import (
	"fmt"
	"strings"
)

// InvalidError reports a static configuration problem detected at load.
// The CLI maps it to exit code 2.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("config invalid: %s", e.Reason)
}

// Validate performs comprehensive validation of the loaded configuration.
func (c *Config) Validate() error {
	var problems []string

	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		problems = append(problems, fmt.Sprintf("app.environment %q must be development, staging or production", c.App.Environment))
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		problems = append(problems, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}

	if c.Chrome.TradingHost == "" {
		problems = append(problems, "chrome.trading_host must not be empty")
	}
	if c.Chrome.ProtectedPort < 1 || c.Chrome.ProtectedPort > 65535 {
		problems = append(problems, fmt.Sprintf("chrome.protected_port %d out of range", c.Chrome.ProtectedPort))
	}

	switch strings.ToUpper(c.Startup.Mode) {
	case "DISABLED", "PASSIVE", "ACTIVE":
	default:
		problems = append(problems, fmt.Sprintf("startup.mode %q must be DISABLED, PASSIVE or ACTIVE", c.Startup.Mode))
	}

	if c.Restart.MaxAttempts < 1 {
		problems = append(problems, "restart.max_attempts must be at least 1")
	}

	problems = append(problems, c.validateAccounts()...)
	problems = append(problems, c.validateStrategies()...)

	if len(problems) > 0 {
		return &InvalidError{Reason: strings.Join(problems, "; ")}
	}
	return nil
}

func (c *Config) validateAccounts() []string {
	var problems []string

	seenNames := make(map[string]bool)
	seenPorts := make(map[int]string)

	for i, a := range c.Accounts {
		if a.DisplayName == "" {
			problems = append(problems, fmt.Sprintf("accounts[%d]: display_name must not be empty", i))
			continue
		}
		if seenNames[a.DisplayName] {
			problems = append(problems, fmt.Sprintf("duplicate account display_name %q", a.DisplayName))
		}
		seenNames[a.DisplayName] = true

		if a.AssignedPort < 1 || a.AssignedPort > 65535 {
			problems = append(problems, fmt.Sprintf("account %q: assigned_port %d out of range", a.DisplayName, a.AssignedPort))
		}
		if owner, dup := seenPorts[a.AssignedPort]; dup {
			problems = append(problems, fmt.Sprintf("accounts %q and %q share port %d", owner, a.DisplayName, a.AssignedPort))
		}
		seenPorts[a.AssignedPort] = a.DisplayName

		if a.Username == "" || a.Password == "" {
			problems = append(problems, fmt.Sprintf("account %q: credentials incomplete", a.DisplayName))
		}
	}

	return problems
}

func (c *Config) validateStrategies() []string {
	var problems []string

	known := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		known[a.DisplayName] = true
	}

	for tag, names := range c.Strategies {
		for _, name := range names {
			if !known[name] {
				problems = append(problems, fmt.Sprintf("strategy %q references unknown account %q", tag, name))
			}
		}
	}

	return problems
}

// AccountByID returns the account with the given id, if configured.
func (c *Config) AccountByID(id string) (Account, bool) {
	for _, a := range c.Accounts {
		if a.ID() == id {
			return a, true
		}
	}
	return Account{}, false
}

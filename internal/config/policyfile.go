package config

import (
	"fmt"
	"os"

	"github.com/moproxy-go/moproxy/internal/policy"
)

// LoadPolicy reads and indexes the policy rules file of spec §6.6.
func LoadPolicy(path string) (*policy.Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy file %s: %w", path, err)
	}
	defer f.Close()

	rules, err := policy.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	engine, err := policy.New(rules)
	if err != nil {
		return nil, fmt.Errorf("index policy file %s: %w", path, err)
	}
	return engine, nil
}

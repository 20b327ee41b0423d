package strategy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SubscriptionConfig binds a strategy type to an account and symbol in YAML.
type SubscriptionConfig struct {
	ID         string                 `yaml:"id"`
	Account    string                 `yaml:"account"`
	Type       string                 `yaml:"type"`
	Symbol     string                 `yaml:"symbol"`
	Interval   string                 `yaml:"interval"`
	Broker     string                 `yaml:"broker"`
	Parameters map[string]interface{} `yaml:"parameters"`
	IsActive   bool                   `yaml:"is_active"`
}

// Params returns the parameter map as a JSON blob for the factory.
func (c SubscriptionConfig) Params() (json.RawMessage, error) {
	if c.Parameters == nil {
		return nil, nil
	}
	return json.Marshal(c.Parameters)
}

// Validate checks a subscription against the registered strategy types.
func (c SubscriptionConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("subscription missing id")
	}
	if c.Symbol == "" {
		return fmt.Errorf("subscription %s missing symbol", c.ID)
	}
	regMu.RLock()
	_, ok := factories[c.Type]
	regMu.RUnlock()
	if !ok {
		return fmt.Errorf("subscription %s references unknown strategy type %q", c.ID, c.Type)
	}
	return nil
}

// subscriptionFile represents the top-level YAML structure.
type subscriptionFile struct {
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// LoadSubscriptions reads subscription definitions from a YAML file. Entries
// that fail validation are rejected as a whole; a partially applied desired
// set is worse than keeping the previous one.
func LoadSubscriptions(path string) ([]SubscriptionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file subscriptionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	for _, cfg := range file.Subscriptions {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return file.Subscriptions, nil
}

// SyncSubscriptionsToDB upserts subscriptions from config into the database.
func SyncSubscriptionsToDB(db *sql.DB, configs []SubscriptionConfig) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO subscriptions (id, account, strategy_type, symbol, interval, broker, parameters, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			account = excluded.account,
			strategy_type = excluded.strategy_type,
			symbol = excluded.symbol,
			interval = excluded.interval,
			broker = excluded.broker,
			parameters = excluded.parameters,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, cfg := range configs {
		paramsJSON, err := cfg.Params()
		if err != nil {
			return fmt.Errorf("failed to marshal parameters for subscription %s: %w", cfg.ID, err)
		}

		_, err = stmt.Exec(
			cfg.ID,
			cfg.Account,
			cfg.Type,
			cfg.Symbol,
			cfg.Interval,
			cfg.Broker,
			string(paramsJSON),
			cfg.IsActive,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert subscription %s: %w", cfg.ID, err)
		}
	}

	return tx.Commit()
}

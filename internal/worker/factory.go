package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trading-worker/config"
	"trading-worker/internal/broker"
	"trading-worker/internal/broker/ig"
	"trading-worker/internal/database"
	"trading-worker/internal/broker/kraken"
	"trading-worker/internal/broker/mexc"
	"trading-worker/internal/vault"
)

// BrokerConfigSource yields the stored config record for a venue, or
// nil when none exists. Satisfied by database.BrokerConfigRepository.
type BrokerConfigSource interface {
	GetActiveConfig(ctx context.Context, brokerKind string) (*database.BrokerConfig, error)
}

// NewBrokerFactory builds broker clients from static config, with
// database records overriding endpoint and account fields and secret
// material resolved through Vault when a path is configured. Disabled
// venues fail with ErrConfigMissing so the registry can report them.
func NewBrokerFactory(cfg *config.Config, secrets *vault.Client, stored BrokerConfigSource, logger zerolog.Logger) broker.Factory {
	return func(kind broker.Kind) (broker.Client, error) {
		record := storedConfig(stored, kind)
		switch kind {
		case broker.KindIG:
			igCfg := cfg.BrokerConfigs.IG
			if !igCfg.Enabled {
				return nil, fmt.Errorf("%w: IG is not enabled", broker.ErrConfigMissing)
			}
			if record != nil {
				if record.BaseURL != "" {
					igCfg.BaseURL = record.BaseURL
				}
				if record.AccountID != "" {
					igCfg.AccountID = record.AccountID
				}
			}
			if err := fillIGSecrets(&igCfg, secrets); err != nil {
				return nil, err
			}
			if igCfg.APIKey == "" || igCfg.Username == "" {
				return nil, fmt.Errorf("%w: IG credentials incomplete", broker.ErrConfigMissing)
			}
			return ig.NewClient(igCfg, logger), nil

		case broker.KindMEXC:
			mexcCfg := cfg.BrokerConfigs.MEXC
			if !mexcCfg.Enabled {
				return nil, fmt.Errorf("%w: MEXC is not enabled", broker.ErrConfigMissing)
			}
			if record != nil && record.BaseURL != "" {
				mexcCfg.BaseURL = record.BaseURL
			}
			if err := fillMEXCSecrets(&mexcCfg, secrets); err != nil {
				return nil, err
			}
			if mexcCfg.APIKey == "" || mexcCfg.SecretKey == "" {
				return nil, fmt.Errorf("%w: MEXC credentials incomplete", broker.ErrConfigMissing)
			}
			return mexc.NewClient(mexcCfg, logger), nil

		case broker.KindKraken:
			krakenCfg := cfg.BrokerConfigs.Kraken
			if !krakenCfg.Enabled {
				return nil, fmt.Errorf("%w: Kraken is not enabled", broker.ErrConfigMissing)
			}
			if record != nil && record.BaseURL != "" {
				krakenCfg.BaseURL = record.BaseURL
			}
			if err := fillKrakenSecrets(&krakenCfg, secrets); err != nil {
				return nil, err
			}
			if krakenCfg.APIKey == "" || krakenCfg.SecretKey == "" {
				return nil, fmt.Errorf("%w: Kraken credentials incomplete", broker.ErrConfigMissing)
			}
			return kraken.NewClient(krakenCfg, logger), nil

		default:
			return nil, fmt.Errorf("%w: %s", broker.ErrUnsupportedBroker, kind)
		}
	}
}

func fillIGSecrets(cfg *config.IGConfig, secrets *vault.Client) error {
	if secrets == nil || (cfg.APIKey != "" && cfg.Username != "" && cfg.Password != "") {
		return nil
	}
	creds, err := lookup(secrets, string(broker.KindIG))
	if err != nil || creds == nil {
		return nil // fall back to whatever static config carries
	}
	if cfg.APIKey == "" {
		cfg.APIKey = creds.APIKey
	}
	if cfg.Username == "" {
		cfg.Username = creds.Username
	}
	if cfg.Password == "" {
		cfg.Password = creds.Password
	}
	if cfg.AccountID == "" {
		cfg.AccountID = creds.AccountID
	}
	return nil
}

func fillMEXCSecrets(cfg *config.MEXCConfig, secrets *vault.Client) error {
	if secrets == nil || (cfg.APIKey != "" && cfg.SecretKey != "") {
		return nil
	}
	creds, err := lookup(secrets, string(broker.KindMEXC))
	if err != nil || creds == nil {
		return nil
	}
	if cfg.APIKey == "" {
		cfg.APIKey = creds.APIKey
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = creds.SecretKey
	}
	return nil
}

func fillKrakenSecrets(cfg *config.KrakenConfig, secrets *vault.Client) error {
	if secrets == nil || (cfg.APIKey != "" && cfg.SecretKey != "") {
		return nil
	}
	creds, err := lookup(secrets, string(broker.KindKraken))
	if err != nil || creds == nil {
		return nil
	}
	if cfg.APIKey == "" {
		cfg.APIKey = creds.APIKey
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = creds.SecretKey
	}
	return nil
}

// storedConfig fetches the database record for a venue; lookup failures
// fall back to static config rather than blocking client construction.
func storedConfig(stored BrokerConfigSource, kind broker.Kind) *database.BrokerConfig {
	if stored == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record, err := stored.GetActiveConfig(ctx, string(kind))
	if err != nil {
		return nil
	}
	return record
}

func lookup(secrets *vault.Client, brokerKind string) (*vault.BrokerCredentials, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return secrets.GetCredentials(ctx, brokerKind)
}

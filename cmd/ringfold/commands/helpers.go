package commands

import (
	"fmt"
	"math/big"

	"github.com/ringfold/ringfold/internal/config"
	"github.com/ringfold/ringfold/internal/sender"
	"github.com/spf13/viper"
)

func parsePartitionID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a valid partition id", s)
	}
	return id, nil
}

func parseTransferType(s string) (sender.TransferType, error) {
	switch s {
	case "ownership":
		return sender.TypeOwnership, nil
	case "repair":
		return sender.TypeRepair, nil
	case "resize":
		return sender.TypeResize, nil
	default:
		return 0, fmt.Errorf("unknown transfer type %q, expected ownership, repair or resize", s)
	}
}

func loadConfig() (config.Config, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

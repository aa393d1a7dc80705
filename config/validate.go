package config

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	if err := validateServiceNode(&cfg.ServiceNode); err != nil {
		return err
	}

	return nil
}

func validateServiceNode(sn *ServiceNodeConfig) error {
	if !sn.Enabled {
		return nil
	}
	switch sn.Mode {
	case ServiceNodeModeLocal, ServiceNodeModeRemote:
	case "":
		sn.Mode = ServiceNodeModeLocal
	default:
		return fmt.Errorf("servicenode.mode must be %q or %q", ServiceNodeModeLocal, ServiceNodeModeRemote)
	}
	if sn.PrivateKey == "" {
		return fmt.Errorf("servicenode.private_key is required when servicenode.enabled is true")
	}
	if sn.Mode == ServiceNodeModeRemote {
		if len(sn.Nodes) == 0 {
			return fmt.Errorf("servicenode.config must list at least one node in remote mode")
		}
		for i, n := range sn.Nodes {
			if n.Alias == "" {
				return fmt.Errorf("servicenode.config[%d].alias is required", i)
			}
			if n.CollateralTx == "" {
				return fmt.Errorf("servicenode.config[%d].collateral_tx is required", i)
			}
			if _, err := hex.DecodeString(strings.TrimSpace(n.CollateralTx)); err != nil {
				return fmt.Errorf("servicenode.config[%d].collateral_tx must be hex", i)
			}
		}
	}
	if sn.MasterPubKeyHex != "" {
		if _, err := hex.DecodeString(sn.MasterPubKeyHex); err != nil {
			return fmt.Errorf("servicenode.master_pubkey must be hex")
		}
	}
	return nil
}


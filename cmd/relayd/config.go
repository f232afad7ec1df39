package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/hashbridge/relayd/params"
)

// loadConfig builds the runtime configuration: defaults, then the TOML file,
// then command-line overrides. Validation happens in node.New so every entry
// path is covered.
func loadConfig(ctx *cli.Context) (*params.Config, error) {
	cfg := params.Defaults()

	if path := ctx.String(configFileFlag.Name); path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		for _, key := range md.Undecoded() {
			log.Warn("Unknown configuration key", "key", key.String())
		}
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(confirmationDepthFlag.Name) {
		cfg.ConfirmationDepth = ctx.Uint64(confirmationDepthFlag.Name)
	}
	if ctx.IsSet(dryRunFlag.Name) {
		cfg.DryRun = ctx.Bool(dryRunFlag.Name)
	}
	if ctx.IsSet(rpcAddrFlag.Name) {
		cfg.RPCListenAddr = ctx.String(rpcAddrFlag.Name)
	}
	return &cfg, nil
}

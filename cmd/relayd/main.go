// relayd is the cross-chain atomic-swap relayer daemon. It watches the HTLC
// and bridge contracts on two configured chains, mirrors orders across them
// and drives claims and refunds to completion.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/hashbridge/relayd/node"
	"github.com/hashbridge/relayd/params"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the ingestion cursor database",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	confirmationDepthFlag = &cli.Uint64Flag{
		Name:  "confirmation-depth",
		Usage: "Blocks behind the tip treated as final",
	}
	dryRunFlag = &cli.BoolFlag{
		Name:  "dry-run",
		Usage: "Run the full pipeline but skip transaction submission",
	}
	rpcAddrFlag = &cli.StringFlag{
		Name:  "rpc-addr",
		Usage: "Listen address for the relay control endpoint (disabled when empty)",
	}
)

func main() {
	app := &cli.App{
		Name:    "relayd",
		Usage:   "cross-chain HTLC atomic-swap relayer",
		Version: params.Version,
		Flags: []cli.Flag{
			configFileFlag,
			dataDirFlag,
			verbosityFlag,
			confirmationDepthFlag,
			dryRunFlag,
			rpcAddrFlag,
		},
		Action: relayd,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func relayd(ctx *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), true)
	log.SetDefault(log.NewLogger(handler))

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	sup, err := node.New(cfg)
	if err != nil {
		return err
	}
	if err := sup.Start(); err != nil {
		sup.Close()
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Warn("Caught signal, shutting down", "signal", sig)
	go func() {
		<-sigc
		log.Error("Second signal, aborting without grace")
		os.Exit(1)
	}()
	sup.Close()
	return nil
}

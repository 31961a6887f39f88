// Package main: fundctl runs the custodian operations once from the command line, for cron jobs that do not go
// through the HTTP service, and tails the audit events published to the message broker.
//
//	fundctl [-c conf.json] [-v] <command> [flags]
//
// Commands: rebalance, clawback [--force] [--end N] [--target ADDR], generate, purchase ADDR, balances,
// events [--limit N] [--follow].
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/tarancss/fundpool/controller"
	"github.com/tarancss/fundpool/custodian"
	"github.com/tarancss/fundpool/lib/config"
	"github.com/tarancss/fundpool/lib/logger"
	"github.com/tarancss/fundpool/sweeper"
)

// errStatus is returned when the operation ran but reported an error status.
var errStatus = errors.New("operation reported an error status")

const usage = `usage: fundctl [-c conf.json] [-v] <command> [flags]

commands:
  rebalance                                 run the threshold controller
  clawback [--force] [--end N] [--target A] run a clawback sweep
  generate                                  generate and fund a user wallet
  purchase ADDRESS                          record a completed purchase
  balances                                  print the role balances
  events [--limit N] [--follow]             print recent events, --follow tails the broker
`

func main() {
	fs := flag.NewFlagSet("fundctl", flag.ContinueOnError)
	confPath := fs.StringP("config", "c", "", "json configuration file")
	verbose := fs.BoolP("verbose", "v", false, "debug logging")
	fs.SetInterspersed(false)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	log := logger.NewWithWriter(os.Stderr, *verbose)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("cannot load .env file", "error", err)
	}

	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		log.Error("cannot read configuration", "file", *confPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, conf, log, os.Stdout, fs.Arg(0), fs.Args()[1:]); err != nil {
		log.Error(fs.Arg(0)+" failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, conf config.ServiceConfig, log *slog.Logger, out io.Writer, cmd string,
	args []string,
) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	force := fs.Bool("force", false, "skip the trigger check")
	end := fs.Uint32("end", 0, "exclusive end index")
	target := fs.String("target", "", "sweep a single address")
	limit := fs.Int("limit", 50, "number of events")
	follow := fs.Bool("follow", false, "tail events from the message broker")

	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "purchase":
		if fs.NArg() != 1 || !common.IsHexAddress(fs.Arg(0)) {
			return errors.New("purchase needs one address")
		}
	case "rebalance", "clawback", "generate", "balances", "events":
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}

	c, err := custodian.Setup(conf, log)
	if err != nil {
		return err
	}
	defer c.Close()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	switch cmd {
	case "rebalance":
		res := c.Rebalance(ctx)
		if err = enc.Encode(res); err == nil && res.Status == controller.StatusError {
			err = errStatus
		}
	case "clawback":
		sum := c.Clawback(ctx, sweeper.Request{Force: *force, EndIndex: *end, TargetAddress: *target})
		if err = enc.Encode(sum); err == nil && sum.Status == sweeper.StatusError {
			err = errStatus
		}
	case "generate":
		w, gerr := c.CreateWallet(ctx)
		if w.Address != "" {
			err = enc.Encode(w)
		}

		err = errors.Join(gerr, err)
	case "purchase":
		err = c.RecordPurchase(ctx, common.HexToAddress(fs.Arg(0)))
	case "balances":
		b, berr := c.Balances(ctx)
		if berr != nil {
			return berr
		}

		err = enc.Encode(b)
	case "events":
		if *follow {
			return tail(ctx, c, log, enc)
		}

		events, eerr := c.Events(ctx, *limit)
		if eerr != nil {
			return eerr
		}

		err = enc.Encode(events)
	}

	return err
}

// tail prints the events published to the broker until ctx is done.
func tail(ctx context.Context, c *custodian.Custodian, log *slog.Logger, enc *json.Encoder) error {
	mb := c.Broker()
	if mb == nil {
		return errors.New("no message broker configured")
	}

	mut := new(sync.Mutex)

	eveCh, errCh, err := mb.GetEvents(c.Network(), mut)
	if err != nil {
		return err
	}

	go func() {
		for e := range errCh {
			log.Warn("cannot decode event", "error", e)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case eve, ok := <-eveCh:
			if !ok {
				return nil
			}

			err = enc.Encode(eve)
			mut.Unlock()

			if err != nil {
				return err
			}
		}
	}
}

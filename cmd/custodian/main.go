// Package main: custodian service.
//
// The service is meant to be invoked by an external scheduler hitting /cron/rebalance and /cron/clawback. A .env file
// in the working directory is loaded before the configuration so that FUNDPOOL_* overrides, the master secret
// included, can be kept out of the json file.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/tarancss/fundpool/custodian"
	"github.com/tarancss/fundpool/lib/config"
	"github.com/tarancss/fundpool/lib/logger"
)

const metricsAddr = ":9100"

func main() {
	// get command line flags
	confPath := flag.StringP("config", "c", "", "json configuration file")
	monitor := flag.BoolP("metrics", "m", false, "serve Prometheus metrics on "+metricsAddr+"/metrics")
	verbose := flag.BoolP("verbose", "v", false, "debug logging")
	flag.Parse()

	log := logger.New(*verbose)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("cannot load .env file", "error", err)
	}

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		log.Error("cannot read configuration", "file", *confPath, "error", err)
		os.Exit(1)
	}

	log.Info("configuration loaded", "net", conf.Chain.Name, "node", conf.Chain.Node, "db", conf.DbType,
		"mb", conf.MbType, "dryRun", conf.DryRun)

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Info("serving metrics API", "addr", metricsAddr)

			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())

			if err := http.ListenAndServe(metricsAddr, h); err != nil { //nolint:gosec // internal endpoint
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	c, err := custodian.Setup(conf, log)
	if err != nil {
		log.Error("cannot start custodian", "error", err)
		os.Exit(1)
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("program killed")
		c.Stop()
	}()

	// init RESTful API, wait for its return and log response
	log.Info("custodian: " + c.Init("", conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))
}

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/roomwatch/occupancy"
	"github.com/roomwatch/occupancy/internal"
)

func main() {
	fmt.Printf("Occupancy server version: %s\n", occupancy.Version)
	cfg, err := internal.ParseConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	if cfg.SentryDSN != "" {
		fmt.Printf("Configuring Sentry reporter...\n")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: occupancy.Version,
		})
		if err != nil {
			panic(err)
		}
	}
	if cfg.OTLPURL != "" {
		fmt.Printf("Configuring OTLP trace exporter to %s\n", cfg.OTLPURL)
		if err = internal.ConfigureOTLP(cfg.OTLPURL, cfg.OTLPUsername, cfg.OTLPPassword, occupancy.Version); err != nil {
			panic(err)
		}
	}
	if cfg.PromAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			defer internal.ReportPanicsToSentry()
			fmt.Printf("Serving metrics on %s/metrics\n", cfg.PromAddr)
			if err := http.ListenAndServe(cfg.PromAddr, mux); err != nil {
				panic(err)
			}
		}()
	}

	svc, err := occupancy.Setup(cfg)
	if err != nil {
		sentry.CaptureException(err)
		sentry.Flush(5 * time.Second)
		panic(err)
	}
	go func() {
		defer internal.ReportPanicsToSentry()
		occupancy.RunServer(svc.Handler, cfg.BindAddr)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	fmt.Printf("shutting down\n")
	svc.Teardown()
	sentry.Flush(5 * time.Second)
}

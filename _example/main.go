package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jkbrsn/httptap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	registry := prometheus.NewRegistry()
	sink, err := httptap.NewPrometheusSink(registry)
	if err != nil {
		log.Fatal().Err(err).Msg("creating metrics sink")
	}

	tap := httptap.New(sink,
		httptap.WithLogger(log.Logger),
		httptap.WithStatsInterval(30*time.Second),
	)
	defer tap.Close()

	// The application server, instrumented by the tap.
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.Copy(w, r.Body); err != nil {
			log.Warn().Err(err).Msg("echo failed")
		}
	})
	appServer := &http.Server{Addr: ":8080", Handler: mux}
	tap.Instrument(appServer)

	// The operational server: Prometheus scrape endpoint and tap stats.
	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	opsMux.Handle("/stats", tap.StatsHandler())
	opsServer := &http.Server{Addr: ":9090", Handler: opsMux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", appServer.Addr).Msg("serving instrumented application")
		if err := appServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		log.Info().Str("addr", opsServer.Addr).Msg("serving metrics and stats")
		if err := opsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
		return appServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

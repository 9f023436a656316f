package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/collector"
	"nuha.dev/gpsagent/internal/config"
	"nuha.dev/gpsagent/internal/store"
	"nuha.dev/gpsagent/internal/store/impl/logstore"
	"nuha.dev/gpsagent/internal/store/impl/natsstore"
	"nuha.dev/gpsagent/internal/store/impl/pgstore"
)

func main() {
	fs := flag.NewFlagSet("gpscollector", flag.ExitOnError)
	config_file := fs.String("config", "", "optional yaml config file")
	fs.String("collector.tcp_addr", "", "tcp address to listen to, empty to disable")
	fs.String("collector.udp_addr", "", "udp address to listen to, empty to disable")
	fs.String("collector.proxy_protocol", "", "expect PROXY protocol headers on tcp")
	fs.String("collector.store", "", "record store: log, pg or nats")
	fs.String("collector.db_url", "", "postgres database url")
	fs.String("collector.nats_url", "", "nats server url")
	fs.String("log.level", "", "log level")
	fs.Parse(os.Args[1:])

	v := config.New("gpscollector")
	if err := config.ReadFile(v, *config_file); err != nil {
		log.Fatal().Err(err).Msg("")
	}
	config.BindFlags(v, fs)
	conf, err := config.LoadCollector(v)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	log.DefaultLogger.Level = conf.LogLevel

	var st store.Store
	var rejecter store.Rejecter
	switch conf.Store {
	case "pg":
		pool, err := pgxpool.Connect(context.Background(), conf.DBUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to database")
		}
		defer pool.Close()
		misc := pgstore.NewMiscStore(pool)
		if err := misc.EnsureSchema(context.Background(), conf.Table); err != nil {
			log.Fatal().Err(err).Msg("")
		}
		pst := pgstore.NewStore(pool, conf.Table, &pgstore.StoreConfig{BufSize: 10, TickerDur: 5 * time.Second, MaxAgeFlush: 5 * time.Second})
		pst.Run()
		st, rejecter = pst, misc
	case "nats":
		nst, err := natsstore.Connect(conf.NatsUrl, conf.NatsSubject)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to nats")
		}
		st = nst
	default:
		st = logstore.NewStore()
	}

	srv := collector.NewServer(st, &collector.ServerConfig{TCPAddr: conf.TCPAddr, UDPAddr: conf.UDPAddr, ProxyProtocol: conf.ProxyProtocol})
	if rejecter != nil {
		srv.SetRejecter(rejecter)
	}
	if err := srv.Listen(); err != nil {
		log.Fatal().Err(err).Msg("unable to listen")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	closed := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		if err := srv.Close(); err != nil {
			log.Error().Err(err).Msg("store close")
		}
		close(closed)
	}()
	srv.Run()
	stop()
	<-closed
	received, rejected := srv.Stat()
	log.Info().Uint64("received", received).Uint64("rejected", rejected).Msg("collector stopped")
}

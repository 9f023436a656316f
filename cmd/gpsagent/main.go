package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/config"
	"nuha.dev/gpsagent/internal/device"
	"nuha.dev/gpsagent/internal/events"
	"nuha.dev/gpsagent/internal/position"
	"nuha.dev/gpsagent/internal/position/nmea"
	"nuha.dev/gpsagent/internal/reporter"
	"nuha.dev/gpsagent/internal/transport"
	"nuha.dev/gpsagent/internal/web"
)

func main() {
	fs := flag.NewFlagSet("gpsagent", flag.ExitOnError)
	config_file := fs.String("config", "", "optional yaml config file")
	fs.String("server.host", "", "collector host")
	fs.String("server.tcp_port", "", "collector tcp port, 8080 when empty or invalid")
	fs.String("server.udp_port", "", "collector udp port, 8081 when empty or invalid")
	fs.String("server.protocol", "", "default protocol, tcp or udp")
	fs.String("provider.kind", "", "position provider, fixed or nmea")
	fs.String("provider.nmea_addr", "", "nmea source, a device/file path or tcp://host:port")
	fs.String("api.addr", "", "control api address to listen to")
	fs.String("schedule", "", "periodic report schedule, e.g. @every 30s")
	fs.String("log.level", "", "log level")
	once := fs.Bool("once", false, "wait for one position, send it to the configured collector and exit")
	wait := fs.Duration("once_timeout", 30*time.Second, "how long -once waits for a position")
	fs.Parse(os.Args[1:])

	v := config.New("gpsagent")
	if err := config.ReadFile(v, *config_file); err != nil {
		log.Fatal().Err(err).Msg("")
	}
	config.BindFlags(v, fs)
	conf, err := config.Load(v)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	log.DefaultLogger.Level = conf.LogLevel

	var provider position.Provider
	switch conf.Provider.Kind {
	case "nmea":
		provider = nmea.NewProvider(conf.Provider.NMEAAddr, nil)
	default:
		provider = position.NewFixedProvider(conf.Provider.Latitude, conf.Provider.Longitude, conf.Provider.Interval)
	}

	var identity device.IdentityProvider
	if conf.Device.DeviceID != "" {
		identity = device.Static(conf.Device)
	} else {
		identity = &device.Cached{IdentityProvider: device.NewHost(conf.Device.AppVersion)}
	}

	bus, err := events.New()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create event bus")
	}
	sender := transport.NewSender(&conf.Sender)
	rep := reporter.NewReporter(position.NewSource(provider, nil), identity, sender, bus)
	defer rep.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		code := sendOnce(ctx, rep, conf, *wait)
		rep.Close()
		os.Exit(code)
	}

	if err := rep.Start(conf.Updates.MinInterval, conf.Updates.MinDisplacement); err != nil {
		log.Error().Err(err).Msg("location updates not started")
	}
	if conf.Schedule != "" {
		if _, err := rep.Schedule(conf.Schedule, conf.Server.Target()); err != nil {
			log.Fatal().Err(err).Str("schedule", conf.Schedule).Msg("invalid schedule")
		}
	}

	api := web.NewApi(rep, bus, &web.ApiConfig{ListenAddr: conf.ApiAddr, DefaultTCPPort: conf.Server.TCPPort, DefaultUDPPort: conf.Server.UDPPort})
	go func() {
		if err := api.Run(); err != nil {
			stop()
		}
	}()
	<-ctx.Done()
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	api.Shutdown(sctx)
}

func sendOnce(ctx context.Context, rep *reporter.Reporter, conf *config.Config, wait time.Duration) int {
	if err := rep.Start(conf.Updates.MinInterval, conf.Updates.MinDisplacement); err != nil {
		log.Error().Err(err).Msg("location updates not started")
		return 2
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, ok := rep.CurrentPosition(); ok {
			break
		}
		select {
		case <-ctx.Done():
			return 1
		case <-deadline.C:
			log.Error().Dur("waited", wait).Msg("no position available")
			return 1
		case <-tick.C:
		}
	}
	res := <-rep.Send(ctx, conf.Server.Target())
	json.NewEncoder(os.Stdout).Encode(res)
	if !res.Success {
		return 1
	}
	return 0
}

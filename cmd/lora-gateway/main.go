package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/bridge"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/config"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/gateway"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/hostlink"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/sim"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/waveshare"
	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// Host port value selecting stdin/stdout
const stdioPort = "-"

func usage() {
	flag.PrintDefaults()
}

func showUsageAndExit(exitCode int) {
	fmt.Println("Waveshare USB LoRa Gateway")
	usage()
	os.Exit(exitCode)
}

func main() {
	var configFile = flag.String("c", "", "Configuration file")
	var hostPort = flag.String("p", "", "Host serial port, overrides the configuration ('-' for stdin/stdout)")
	var logLevel = flag.String("l", "", "Log level: debug, info, warn or error")
	var verbose = flag.Bool("v", false, "Verbose output, same as -l debug")
	var showHelp = flag.Bool("h", false, "Show help")

	flag.Usage = usage
	flag.Parse()

	if *showHelp {
		showUsageAndExit(0)
	}

	// stdout may be the host link, keep the log on stderr
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "lora-gateway",
	})

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			logger.Fatal("Failed to load configuration", "err", err)
		}
	}

	if *hostPort == stdioPort {
		cfg.Host.Port = ""
	} else if *hostPort != "" {
		cfg.Host.Port = *hostPort
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal("Invalid log level", "err", err)
	}
	logger.SetLevel(level)
	log.SetDefault(logger)

	port := hostlink.Stdio()
	if cfg.Host.Port != "" {
		if port, err = hostlink.OpenSerial(cfg.Host.Port, cfg.Host.BaudRate); err != nil {
			logger.Fatal("Failed to open host port", "port", cfg.Host.Port, "err", err)
		}
	}
	link := hostlink.New(port, logger.With("host", cfg.Host.Port))

	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithHost(link),
	}

	var nc *nats.Conn
	var br *bridge.Bridge

	if cfg.Nats.Url != "" {
		if nc, err = bridge.Connect(cfg.Nats.Url, logger); err != nil {
			logger.Fatal("Failed to connect to NATS", "url", cfg.Nats.Url, "err", err)
		}
		br = bridge.New(nc, cfg.Nats.SubjectPrefix, cfg.Nats.TelemetryFormat, logger)
		opts = append(opts, gateway.WithPublisher(br))
	}

	gw := gateway.New(cfg, opts...)

	var devices []io.Closer
	air := sim.NewAir()

	for i, ch := range cfg.Channels {
		if ch.Device == config.SimulatedDevice {
			gw.Attach(i, air.NewRadio(gw.Session(i)))
			continue
		}

		dev := waveshare.Open(ch.Device, ch.BaudRate, gw.Session(i), logger)
		gw.Attach(i, dev)
		devices = append(devices, dev)
	}

	gw.Start()
	link.Start(gw.Input)

	if br != nil {
		if err := br.Start(gw.Channels(), gw.Transmit); err != nil {
			logger.Fatal("Failed to start NATS bridge", "err", err)
		}
	}

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-c:
		logger.Info("Shutting down", "signal", sig)
	case <-link.Done():
		logger.Info("Host link closed, shutting down")
	}

	if br != nil {
		if err := br.Stop(); err != nil {
			logger.Warn("Failed to stop NATS bridge", "err", err)
		}
	}

	// Make sure we turn the radios off
	gw.Stop()

	if err := link.Close(); err != nil {
		logger.Warn("Failed to close host link", "err", err)
	}

	for _, dev := range devices {
		if err := dev.Close(); err != nil {
			logger.Warn("Failed to close device", "err", err)
		}
	}

	if nc != nil {
		nc.Close()
	}
}

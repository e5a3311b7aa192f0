package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PixPMusic/mioc-router/internal/config"
	"github.com/PixPMusic/mioc-router/internal/control"
	"github.com/PixPMusic/mioc-router/internal/device"
	"github.com/PixPMusic/mioc-router/internal/emitter"
	"github.com/PixPMusic/mioc-router/internal/ingest"
	"github.com/PixPMusic/mioc-router/internal/midi"
	"github.com/PixPMusic/mioc-router/internal/pulse"
	"github.com/PixPMusic/mioc-router/internal/routing"
	"github.com/PixPMusic/mioc-router/internal/virtual"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "config file (default: user config dir)")
	logLevel := flag.String("log-level", "", "override the configured log level")
	listPorts := flag.Bool("list-ports", false, "print MIDI and serial ports and exit")
	writeConfig := flag.Bool("write-config", false, "write the effective config and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	setupLogging(cfg.LogLevel, *logLevel)

	if *writeConfig {
		if err := cfg.Save(*configPath); err != nil {
			logrus.WithError(err).Fatal("failed to save config")
		}
		return
	}

	clock := midi.NewHostClock()
	manager := midi.NewManager(clock, logrus.WithField("component", "midi"))
	defer manager.Close()

	if *listPorts {
		printPorts(manager)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, manager, clock); err != nil {
		logrus.WithError(err).Error("router stopped")
		os.Exit(1)
	}
}

func setupLogging(level, override string) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if override != "" {
		level = override
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithError(err).Warn("unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

func printPorts(manager *midi.Manager) {
	fmt.Println("MIDI inputs:")
	for _, name := range manager.ListInPorts() {
		fmt.Println("  " + name)
	}
	fmt.Println("MIDI outputs:")
	for _, name := range manager.ListOutPorts() {
		fmt.Println("  " + name)
	}
	serials, err := pulse.ListPorts()
	if err != nil {
		logrus.WithError(err).Warn("failed to list serial ports")
		return
	}
	fmt.Println("Serial ports:")
	for _, name := range serials {
		fmt.Println("  " + name)
	}
}

func run(ctx context.Context, cfg *config.Config, manager *midi.Manager, clock midi.Clock) error {
	log := logrus.WithField("session", cfg.SessionID)

	out, err := manager.OpenOut(cfg.MIDI.OutPort)
	if err != nil {
		return err
	}
	var delayOut ingest.Sink
	if cfg.MIDI.DelayOutPort != "" && cfg.MIDI.DelayOutPort != cfg.MIDI.OutPort {
		p, err := manager.OpenOut(cfg.MIDI.DelayOutPort)
		if err != nil {
			return err
		}
		delayOut = p
	}

	table := routing.NewTable()
	ing := ingest.New(ingest.Options{
		RingBytes:      cfg.Ingest.RingBytes,
		MaxSysex:       cfg.Ingest.MaxSysex,
		ListenerQueue:  cfg.Ingest.ListenerQueue,
		MaxPending:     cfg.Ingest.MaxPending,
		DrainLimit:     cfg.Ingest.DrainLimit,
		ReportInterval: cfg.Ingest.ReportInterval,
		Layout:         cfg.Layout,
		Clock:          clock,
		Table:          table,
		Out:            out,
		DelayOut:       delayOut,
		Log:            log.WithField("component", "ingest"),
	})

	devOpts, err := cfg.DeviceOptions()
	if err != nil {
		return err
	}
	devOpts.Log = log.WithField("component", "device")
	devOpts.OnSent = func(msg []byte, ok bool) {
		if !ok {
			log.WithField("bytes", len(msg)).Debug("sysex write failed")
		}
	}
	internal := virtual.New(cfg.Layout, table, log.WithField("component", "virtual"))
	dev := device.New(devOpts, out, internal)
	defer dev.Close()

	if _, err := ing.AddSysExListener(func(m ingest.Message) {
		_ = dev.HandleReply(m.Data)
	}); err != nil {
		return err
	}

	if err := ing.Start(ctx); err != nil {
		return err
	}
	defer ing.Stop()

	stopListening, err := manager.StartListening(cfg.MIDI.InPort, ing.Receive)
	if err != nil {
		return err
	}
	defer stopListening()

	if cfg.Device.InitializeOnStart {
		if err := dev.Initialize(ctx); err != nil {
			log.WithError(err).Warn("device initialization failed")
		}
	}
	if err := applyInitialRoutes(ctx, cfg, dev); err != nil {
		log.WithError(err).Warn("failed to apply configured routes")
	}

	var pulser control.Pulser
	if cfg.Pulse.Port != "" {
		p, err := pulse.Open(cfg.Pulse.Port, cfg.Pulse.Baud, clock, log.WithField("component", "pulse"))
		if err != nil {
			return err
		}
		defer p.Close()
		pulser = p
	}

	scripts := make(map[string][]string, len(cfg.Scripts))
	for _, s := range cfg.Scripts {
		scripts[s.Name] = s.Commands
	}
	exec := control.NewExecutor(control.Options{
		Device:     dev,
		Table:      table,
		Out:        out,
		Pulser:     pulser,
		PulseWidth: cfg.Pulse.Width,
		Scripts:    scripts,
		Timeout:    commandTimeout(cfg),
		Log:        log.WithField("component", "control"),
	})

	if cfg.MQTT.Broker != "" {
		client := emitter.NewMQTTClient(emitter.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, log.WithField("component", "mqtt"))
		if err := client.Connect(ctx); err != nil {
			// paho keeps retrying in the background
			log.WithError(err).Warn("mqtt not connected yet")
		}
		defer client.Disconnect()

		em := emitter.New(client, emitter.Options{
			Topic:         cfg.MQTT.Topic,
			QoS:           cfg.MQTT.QoS,
			StatsInterval: cfg.MQTT.StatsInterval,
			SessionID:     cfg.SessionID,
			Log:           log.WithField("component", "emitter"),
		})
		states, unsubscribe := dev.Subscribe()
		defer unsubscribe()
		go em.Run(ctx, states, func() any {
			return map[string]any{
				"ingest":   ing.Stats(),
				"device":   dev.Stats(),
				"listener": ing.Bus().Stats(),
				"mqtt":     em.Stats(),
			}
		})

		if cfg.MQTT.Control {
			remote := control.NewRemote(exec, client, cfg.MQTT.Topic, cfg.MQTT.QoS, log.WithField("component", "remote"))
			if err := remote.Start(ctx); err != nil {
				log.WithError(err).Warn("remote control not subscribed yet")
			}
			defer remote.Stop()
		}
	}

	go func() {
		if err := exec.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("control input closed")
		}
	}()

	log.WithFields(logrus.Fields{
		"in":       cfg.MIDI.InPort,
		"out":      cfg.MIDI.OutPort,
		"target":   devOpts.Target.String(),
		"commands": exec.Supported(),
	}).Info("router running")

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func applyInitialRoutes(ctx context.Context, cfg *config.Config, dev *device.Engine) error {
	if len(cfg.Connections) > 0 {
		if err := dev.ConnectMany(ctx, cfg.Connections); err != nil {
			return errors.Wrap(err, "connections")
		}
	}
	if len(cfg.VelocityProcessors) > 0 {
		if err := dev.AddVelocityProcessors(ctx, cfg.VelocityProcessors); err != nil {
			return errors.Wrap(err, "velocity processors")
		}
	}
	return nil
}

// commandTimeout covers every attempt of one request plus a queue's worth of slack.
func commandTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Device.MaxRetries+1)*cfg.Device.ReplyTimeout + 5*time.Second
}

// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/TheThingsNetwork/go-utils/handlers/cli"
	ttnlog "github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/go-utils/log/apex"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/exchange"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/frame"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/monitor"
	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BridgeCmd is the main command that is executed when running lora-mqtt-bridge
var BridgeCmd = &cobra.Command{
	Use:   "lora-mqtt-bridge",
	Short: "Bridge between a LoRa radio and an MQTT broker",
	Long:  `lora-mqtt-bridge publishes tagged frames received by a LoRa radio to an MQTT topic and transmits messages on that topic over the radio`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, cli.New(os.Stdout))

		if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			logHandlers = append(logHandlers, json.New(logFile))
		}

		levels = newLevelHandler(multi.New(logHandlers...), logLevel(config))
		ctx = &log.Logger{
			Level:   log.DebugLevel,
			Handler: levels,
		}
		ttnlog.Set(apex.Wrap(ctx))
	},
	Run: runBridge,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

func runBridge(cmd *cobra.Command, args []string) {
	broker, err := newBroker(config, ctx)
	if err != nil {
		ctx.WithError(err).Fatal("Could not initialize broker")
	}

	radio, err := newRadio(config, ctx)
	if err != nil {
		ctx.WithError(err).Fatal("Could not initialize radio")
	}

	chain, closers, err := newMiddleware(config, ctx)
	if err != nil {
		ctx.WithError(err).Fatal("Could not initialize middleware")
	}
	defer func() {
		for _, closeFunc := range closers {
			closeFunc()
		}
	}()

	bridge, err := exchange.New(ctx, exchangeConfig(config, chain), broker, radio)
	if err != nil {
		ctx.WithError(err).Fatal("Invalid configuration")
	}

	if addr := config.GetString("metrics-address"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			ctx.WithField("Address", addr).Info("Serving metrics")
			if err := http.ListenAndServe(addr, mux); err != nil {
				ctx.WithError(err).Warn("Metrics server stopped")
			}
		}()
	}

	if addr := config.GetString("monitor-address"); addr != "" {
		server, err := monitor.NewServer(ctx, addr)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize monitor")
		}
		defer server.Close()
		bridge.SetObserver(server)
		go func() {
			if err := server.Listen(); err != nil {
				ctx.WithError(err).Warn("Monitor stopped")
			}
		}()
	}

	if err := bridge.Start(); err != nil {
		ctx.WithError(err).Error("Bridge is not operational, waiting for a signal to exit")
	}
	exitStatus = exitStatusFor(bridge.State())

	defer func() {
		bridge.Stop()
		time.Sleep(100 * time.Millisecond)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx.WithField("signal", <-sigChan).Info("signal received")
}

func init() {
	def := backend.DefaultRadioConfig

	BridgeCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Location of the config file")
	BridgeCmd.Flags().String("log-file", "", "Location of the log file")
	BridgeCmd.Flags().Bool("debug", false, "Print debug logs")

	BridgeCmd.Flags().String("broker", "mqtt", "Broker to use (mqtt, amqp or dummy)")
	BridgeCmd.Flags().StringSlice("mqtt-address", []string{"test.mosquitto.org:1883"}, "MQTT Broker to connect to ([user:pass@]host:port)")
	BridgeCmd.Flags().String("mqtt-username", "", "MQTT username")
	BridgeCmd.Flags().String("mqtt-password", "", "MQTT password")
	BridgeCmd.Flags().String("mqtt-client-id", "", "MQTT client ID (random if empty)")
	BridgeCmd.Flags().String("amqp-address", "guest:guest@localhost:5672", "AMQP Broker to connect to ([user:pass@]host:port)")
	BridgeCmd.Flags().String("amqp-exchange", "amq.topic", "AMQP exchange")

	BridgeCmd.Flags().String("topic", exchange.DefaultConfig.Topic, "Topic that is relayed")
	BridgeCmd.Flags().String("auth-tag", frame.DefaultTag, "Tag that frames are prefixed with")
	BridgeCmd.Flags().Int("max-frame-size", frame.MaxFrameSize, "Maximum size of a radio frame")
	BridgeCmd.Flags().Duration("poll-period", exchange.DefaultConfig.PollPeriod, "How often the radio is polled for frames")

	BridgeCmd.Flags().String("radio", "serial", "Radio to use (serial, udp or dummy)")
	BridgeCmd.Flags().String("serial-port", "/dev/ttyUSB0", "Serial port of the radio module")
	BridgeCmd.Flags().Int("serial-baud", 115200, "Baud rate of the serial port")
	BridgeCmd.Flags().Int("serial-destination", 0, "Radio address that frames are sent to (0 broadcasts)")
	BridgeCmd.Flags().String("udp-bind", "0.0.0.0:1700", "Address of the simulated UDP radio")
	BridgeCmd.Flags().StringSlice("udp-peer", nil, "Peers of the simulated UDP radio")

	BridgeCmd.Flags().Int64("frequency", int64(def.Frequency), "Carrier frequency in Hz")
	BridgeCmd.Flags().Int("spreading-factor", int(def.SpreadingFactor), "Spreading factor (6-12)")
	BridgeCmd.Flags().Int("bandwidth", int(def.Bandwidth), "Bandwidth index (0-9, 7 is 125 kHz)")
	BridgeCmd.Flags().Int("coding-rate", int(def.CodingRate), "Coding rate (1-4 for 4/5 to 4/8)")
	BridgeCmd.Flags().Bool("crc", def.CRC, "Enable payload CRC")
	BridgeCmd.Flags().String("band", string(exchange.DefaultConfig.Band), "Band used to report the data rate")

	BridgeCmd.Flags().Bool("redis", false, "Use Redis for rate limits")
	BridgeCmd.Flags().String("redis-address", "localhost:6379", "Redis host and port")
	BridgeCmd.Flags().String("redis-password", "", "Redis password")
	BridgeCmd.Flags().Int("redis-db", 0, "Redis database")

	BridgeCmd.Flags().Int("ratelimit-uplink", 0, "Uplink rate limit per radio source per minute (0 disables)")
	BridgeCmd.Flags().Int("ratelimit-downlink", 0, "Downlink rate limit per minute (0 disables)")
	BridgeCmd.Flags().Bool("deduplicate", false, "Drop repeated uplinks from the same source")
	BridgeCmd.Flags().Duration("deduplicate-window", 0, "Window for deduplication (default 2s)")
	BridgeCmd.Flags().StringSlice("blacklist", nil, "Blacklist files or URLs")

	BridgeCmd.Flags().String("metrics-address", "", "Address to serve Prometheus metrics on")
	BridgeCmd.Flags().String("monitor-address", "", "Address to serve the monitor on")

	viper.BindPFlags(BridgeCmd.Flags())
}

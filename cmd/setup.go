// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend/amqp"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend/dummy"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend/mqtt"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend/serial"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend/udp"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/exchange"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware/blacklist"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware/debug"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware/deduplicate"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware/ratelimit"
	"github.com/apex/log"
	"github.com/brocaar/lorawan/band"
	"github.com/spf13/viper"
	redis "gopkg.in/redis.v5"
)

// user:pass@host:port, optionally prefixed with a scheme
var brokerRegexp = regexp.MustCompile(`^(?:([a-z]+)://)?(?:([0-9A-Za-z_-]+)(?::([0-9A-Za-z-!"#$%&'()*+,.:;<=>?@[\]^_{|}~]+))?@)?([0-9A-Za-z.-]+:[0-9]+)$`)

type brokerAddress struct {
	Scheme   string
	Username string
	Password string
	Address  string
}

func parseBrokerAddress(s string) (addr brokerAddress, err error) {
	parts := brokerRegexp.FindStringSubmatch(s)
	if parts == nil {
		return addr, fmt.Errorf("invalid broker address %q", s)
	}
	return brokerAddress{
		Scheme:   parts[1],
		Username: parts[2],
		Password: parts[3],
		Address:  parts[4],
	}, nil
}

func newBroker(v *viper.Viper, ctx log.Interface) (backend.Broker, error) {
	switch broker := v.GetString("broker"); broker {
	case "mqtt":
		var brokers []string
		var username, password string
		for _, s := range v.GetStringSlice("mqtt-address") {
			addr, err := parseBrokerAddress(s)
			if err != nil {
				return nil, err
			}
			if addr.Scheme == "" {
				addr.Scheme = "tcp"
			}
			if addr.Username != "" {
				username, password = addr.Username, addr.Password
			}
			brokers = append(brokers, fmt.Sprintf("%s://%s", addr.Scheme, addr.Address))
		}
		if u := v.GetString("mqtt-username"); u != "" {
			username, password = u, v.GetString("mqtt-password")
		}
		ctx.WithField("Brokers", strings.Join(brokers, ",")).WithField("Username", username).Info("Initializing MQTT")
		return mqtt.New(mqtt.Config{
			Brokers:  brokers,
			Username: username,
			Password: password,
			ClientID: v.GetString("mqtt-client-id"),
		}, ctx)
	case "amqp":
		addr, err := parseBrokerAddress(v.GetString("amqp-address"))
		if err != nil {
			return nil, err
		}
		ctx.WithField("Address", addr.Address).WithField("Username", addr.Username).Info("Initializing AMQP")
		return amqp.New(amqp.Config{
			Address:      addr.Address,
			Username:     addr.Username,
			Password:     addr.Password,
			ExchangeName: v.GetString("amqp-exchange"),
		}, ctx)
	case "dummy":
		ctx.Warn("Using dummy broker, uplinks are not forwarded")
		return dummy.NewBroker(ctx), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", broker)
	}
}

func newRadio(v *viper.Viper, ctx log.Interface) (backend.Radio, error) {
	switch radio := v.GetString("radio"); radio {
	case "serial":
		ctx.WithField("Port", v.GetString("serial-port")).Info("Initializing serial radio")
		return serial.New(serial.Config{
			Port:     v.GetString("serial-port"),
			BaudRate: v.GetInt("serial-baud"),
			Address:  uint16(v.GetInt("serial-destination")),
		}, ctx), nil
	case "udp":
		ctx.WithField("Bind", v.GetString("udp-bind")).Info("Initializing UDP radio")
		return udp.New(udp.Config{
			Bind:  v.GetString("udp-bind"),
			Peers: v.GetStringSlice("udp-peer"),
		}, ctx), nil
	case "dummy":
		ctx.Warn("Using dummy radio, nothing is transmitted")
		return dummy.NewRadio(ctx), nil
	default:
		return nil, fmt.Errorf("unknown radio %q", radio)
	}
}

func radioConfig(v *viper.Viper) backend.RadioConfig {
	return backend.RadioConfig{
		Frequency:       uint32(v.GetInt64("frequency")),
		SpreadingFactor: uint8(v.GetInt("spreading-factor")),
		Bandwidth:       backend.Bandwidth(v.GetInt("bandwidth")),
		CodingRate:      uint8(v.GetInt("coding-rate")),
		CRC:             v.GetBool("crc"),
	}
}

func newMiddleware(v *viper.Viper, ctx log.Interface) (chain middleware.Chain, closers []func(), err error) {
	if v.GetBool("debug") {
		chain = append(chain, debug.New())
	}

	if lists := v.GetStringSlice("blacklist"); len(lists) > 0 {
		ctx.WithField("Lists", strings.Join(lists, ",")).Info("Initializing blacklist")
		b, err := blacklist.NewBlacklist(lists...)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, b)
		closers = append(closers, b.Close)
	}

	if v.GetBool("deduplicate") {
		ctx.Info("Initializing uplink deduplication")
		chain = append(chain, deduplicate.NewDeduplicate(v.GetDuration("deduplicate-window")))
	}

	limits := ratelimit.Limits{
		Uplink:   v.GetInt("ratelimit-uplink"),
		Downlink: v.GetInt("ratelimit-downlink"),
	}
	if limits.Uplink > 0 || limits.Downlink > 0 {
		ctx.WithField("Uplink", limits.Uplink).WithField("Downlink", limits.Downlink).Info("Initializing rate limits")
		if v.GetBool("redis") {
			client := redis.NewClient(&redis.Options{
				Addr:     v.GetString("redis-address"),
				Password: v.GetString("redis-password"),
				DB:       v.GetInt("redis-db"),
			})
			ctx.WithField("Address", v.GetString("redis-address")).Info("Using Redis for rate limits")
			chain = append(chain, ratelimit.NewRedisRateLimit(client, limits))
			closers = append(closers, func() { client.Close() })
		} else {
			chain = append(chain, ratelimit.NewRateLimit(limits))
		}
	}

	return chain, closers, nil
}

func exchangeConfig(v *viper.Viper, chain middleware.Chain) exchange.Config {
	return exchange.Config{
		Topic:        v.GetString("topic"),
		Tag:          v.GetString("auth-tag"),
		MaxFrameSize: v.GetInt("max-frame-size"),
		PollPeriod:   v.GetDuration("poll-period"),
		Radio:        radioConfig(v),
		Band:         band.Name(v.GetString("band")),
		Middleware:   chain,
	}
}

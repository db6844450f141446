package config

import (
	"github.com/danmuck/sortctl/internal/cages"
	"github.com/danmuck/sortctl/internal/notify"
	"github.com/danmuck/sortctl/internal/protocol/session"
	"github.com/danmuck/sortctl/internal/transport"
)

// CageConfigs converts percentages to the allocator's fractions.
func (c Config) CageConfigs() []cages.CageConfig {
	out := make([]cages.CageConfig, 0, len(c.Cages))
	for _, cage := range c.Cages {
		out = append(out, cages.CageConfig{
			Name:         cage.Name,
			Capacity:     cage.Capacity,
			MaleFraction: cage.MalePercentage / 100,
			FireAction:   cage.FireAction,
		})
	}
	return out
}

func (c Config) Transport() transport.Config {
	out := transport.DefaultConfig()
	out.SettleDelay = c.Serial.SettleDelay
	out.DTR = c.Serial.DTR
	out.USBOnly = c.Serial.USBOnly
	return out
}

func (c Config) Session() session.Config {
	out := session.DefaultConfig()
	out.Endpoint = c.Serial.Port
	out.BaudRate = c.Serial.Baud
	out.ReadTimeout = c.Serial.ReadTimeout
	out.WriteTimeout = c.Serial.WriteTimeout
	out.Retries = c.Serial.Retries
	out.MaxFrameBytes = c.Serial.MaxFrameBytes
	out.Backoff = session.BackoffConfig{
		InitialDelay: c.Serial.RetryDelay,
		Multiplier:   c.Serial.RetryMultiplier,
		MaxDelay:     c.Serial.RetryMaxDelay,
		Jitter:       c.Serial.RetryJitter,
	}
	return out
}

func (c Config) Notify() notify.Config {
	out := notify.DefaultConfig()
	out.Broker = c.MQTT.Broker
	out.ClientID = c.MQTT.ClientID
	out.Topic = c.MQTT.Topic
	out.QoS = c.MQTT.QoS
	out.NodeID = c.ID
	return out
}

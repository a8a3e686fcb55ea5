// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const defaultPublishTimeout = 5 * time.Second

// Publisher is the part of mqtt.Client the event sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEventSink publishes each event as JSON to <topic>/<kind>.
type MQTTEventSink struct {
	publisher Publisher
	topic     string
	qos       byte
	retain    bool
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewMQTTEventSink creates a sink publishing through publisher.
func NewMQTTEventSink(publisher Publisher, topic string, qos byte, retain bool, opts ...Option) *MQTTEventSink {
	o := newOptions(opts)
	return &MQTTEventSink{
		publisher: publisher,
		topic:     topic,
		qos:       qos,
		retain:    retain,
		timeout:   defaultPublishTimeout,
		logger:    o.logger.With().Str("component", "mqtt_events").Logger(),
	}
}

// Emit publishes event and waits for delivery up to the publish timeout.
// Failures are logged, never returned.
func (s *MQTTEventSink) Emit(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("marshal error when sending mqtt json")
		return
	}
	token := s.publisher.Publish(s.topic+"/"+string(event.Kind), s.qos, s.retain, payload)
	if !token.WaitTimeout(s.timeout) {
		s.logger.Warn().Str("kind", string(event.Kind)).Msg("mqtt publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("mqtt publish failed")
	}
}

// ConnectMQTT connects a paho client with automatic reconnects.
func ConnectMQTT(cfg *LoadedConfig) (mqtt.Client, error) {
	mopts := mqtt.NewClientOptions().AddBroker(cfg.MQTT.Broker).SetClientID(cfg.MQTT.ClientID)
	if cfg.MQTT.Username != "" {
		mopts.SetUsername(cfg.MQTT.Username)
		mopts.SetPassword(cfg.MQTT.Password)
	}
	mopts.SetAutoReconnect(true).SetConnectRetry(true).SetConnectTimeout(5 * time.Second)

	mc := mqtt.NewClient(mopts)
	token := mc.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", cfg.MQTT.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.MQTT.Broker, err)
	}
	return mc, nil
}

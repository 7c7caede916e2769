/*
router-watchdog - Keeps a home router online by power cycling it
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package mqttstatus publishes events and status to a local MQTT broker for
// home automation.
package mqttstatus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

const publishTimeout = 2 * time.Second

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client-id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic-prefix"`
	QoS         int    `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

func DefaultConfig() Config {
	return Config{
		Broker:      "tcp://localhost:1883",
		ClientID:    "router-watchdog",
		TopicPrefix: "router-watchdog",
	}
}

type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
}

type Publisher struct {
	conf   Config
	client client
	mqtt   MQTT.Client
}

// Connect starts the MQTT client. Reconnects are handled in the background so
// an unreachable broker is not an error here.
func Connect(conf Config) *Publisher {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(conf.Broker)
	opts.SetClientID(conf.ClientID)
	if conf.Username != "" {
		opts.SetUsername(conf.Username)
		opts.SetPassword(conf.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(MQTT.Client) {
		log.Infof("Connected to MQTT broker %s", conf.Broker)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		log.Infof("Lost MQTT connection: %v", err)
	})

	c := MQTT.NewClient(opts)
	c.Connect()
	return &Publisher{conf: conf, client: c, mqtt: c}
}

func (p *Publisher) Close() {
	if p.mqtt != nil {
		p.mqtt.Disconnect(250)
	}
}

func (p *Publisher) PublishEvent(e watchdog.Event, line string) {
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"type":      e.Type,
		"message":   e.Message,
		"line":      line,
	}
	if len(e.Details) > 0 {
		payload["details"] = e.Details
	}
	if err := p.publishJSON(p.conf.TopicPrefix+"/events", payload); err != nil {
		log.Debugf("Failed to publish event: %v", err)
	}
}

func (p *Publisher) PublishStatus(s watchdog.Status) error {
	return p.publishJSON(p.conf.TopicPrefix+"/status", s)
}

func (p *Publisher) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	token := p.client.Publish(topic, byte(p.conf.QoS), p.conf.Retain, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

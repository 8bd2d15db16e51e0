// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package config builds server options from YAML or JSON configuration files.
package config

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	mqtt "github.com/tinybroker/server"
	"github.com/tinybroker/server/hooks/debug"
	"github.com/tinybroker/server/hooks/storage/badger"
	"github.com/tinybroker/server/hooks/storage/bolt"
	"github.com/tinybroker/server/hooks/storage/mongo"
	"github.com/tinybroker/server/hooks/storage/pebble"
	"github.com/tinybroker/server/hooks/storage/redis"
	"github.com/tinybroker/server/listeners"
)

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Options     mqtt.Options
	Listeners   []listeners.Config `yaml:"listeners" json:"listeners"`
	HookConfigs HookConfigs        `yaml:"hooks" json:"hooks"`
}

// HookConfigs contains configurations to enable individual hooks.
type HookConfigs struct {
	Storage *HookStorageConfig `yaml:"storage" json:"storage"`
	Debug   *debug.Options     `yaml:"debug" json:"debug"`
}

// HookStorageConfig contains configurations for the different storage hooks.
type HookStorageConfig struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
	Redis  *redis.Options  `yaml:"redis" json:"redis"`
	Mongo  *mongo.Options  `yaml:"mongo" json:"mongo"`
}

// ToHooks converts Hook file configurations into Hooks to be added to the server.
func (hc HookConfigs) ToHooks() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig

	if hc.Storage != nil {
		hlc = append(hlc, hc.toHooksStorage()...)
	}

	if hc.Debug != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(debug.Hook),
			Config: hc.Debug,
		})
	}

	return hlc
}

// toHooksStorage converts storage hook configurations into storage hooks.
func (hc HookConfigs) toHooksStorage() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig
	if hc.Storage.Badger != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(badger.Hook),
			Config: hc.Storage.Badger,
		})
	}

	if hc.Storage.Bolt != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(bolt.Hook),
			Config: hc.Storage.Bolt,
		})
	}

	if hc.Storage.Redis != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(redis.Hook),
			Config: hc.Storage.Redis,
		})
	}

	if hc.Storage.Pebble != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(pebble.Hook),
			Config: hc.Storage.Pebble,
		})
	}

	if hc.Storage.Mongo != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(mongo.Hook),
			Config: hc.Storage.Mongo,
		})
	}
	return hlc
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a valid server options value.
// Any hooks configurations are converted into Hooks using the toHooks methods in this package.
func FromBytes(b []byte) (*mqtt.Options, error) {
	c := new(config)

	if len(b) == 0 {
		return nil, nil
	}

	if b[0] == '{' {
		err := json.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	} else {
		err := yaml.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	}

	o := c.Options
	o.Hooks = c.HookConfigs.ToHooks()
	o.Listeners = c.Listeners

	return &o, nil
}

package common

import (
	"bytes"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		viper.Reset()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: defaults plus the settings with no default
	{
		viper.Reset()
		InstallDefaultConfigValues()
		config := []byte(`---
auth:
  signing_secret: unit-test-secret`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(300, cfg.Session.HeartbeatTimeout)
		assert.Equal(1800, cfg.Session.ActivityTimeout)
		assert.Equal(24, cfg.Replay.WindowHours)
		assert.Equal("memory", cfg.Store.Backend)
		assert.Nil(cfg.Relay)
	}

	// Case 2: invalid listen address
	{
		viper.Reset()
		InstallDefaultConfigValues()
		config := []byte(`---
auth:
  signing_secret: unit-test-secret
api:
  api_server:
    server_config:
      listen_on: not-an-address`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid session policy
	{
		viper.Reset()
		InstallDefaultConfigValues()
		config := []byte(`---
auth:
  signing_secret: unit-test-secret
session:
  heartbeat_timeout_sec: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: unknown store backend
	{
		viper.Reset()
		InstallDefaultConfigValues()
		config := []byte(`---
auth:
  signing_secret: unit-test-secret
store:
  backend: cassandra`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: relay enabled
	{
		viper.Reset()
		InstallDefaultConfigValues()
		config := []byte(`---
auth:
  signing_secret: unit-test-secret
relay:
  subject_prefix: presencehub
  nats:
    server_uri: nats://127.0.0.1:4222
    connect_timeout_sec: 5
    reconnect:
      max_attempts: -1
      wait_interval_sec: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Relay)
		assert.Equal("nats://127.0.0.1:4222", cfg.Relay.NATS.ServerURI)
	}
}

package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"strings"
)

type Config struct {
	viper.Viper
}

var defaults = map[string]interface{}{
	"registry.dialect":                  "memory",
	"engine.kubernetes.namespace":       "default",
	"engine.kubernetes.service_account": "xmanager",
	"engine.kubernetes.tpu_runtime":     "2.12.0",
	"engine.managed_cloud.region":       "us-east-1",
	"worker.status_interval":            "10s",
	"worker.status_qps":                 5,
	"events.amqp_exchange":              "xmanager.work_units",
	"metrics.prefix":                    "xmanager",
	"http.server.listen_address":        ":5000",
	"http.server.read_timeout_seconds":  5,
}

func NewConfig(confDir *string) (*Config, error) {
	v := viper.New()
	if v == nil {
		return nil, errors.New("Error initializing internal config")
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if confDir != nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(*confDir)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "problem reading config from [%s]", *confDir)
		}
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return &Config{
		*v,
	}, nil
}

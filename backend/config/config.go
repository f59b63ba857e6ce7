package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/viper"
)

type JWT struct {
	Secret string
	Issuer string
}

// Config drives the cloud simulator used to exercise agents end to end.
type Config struct {
	Host     string
	Port     int
	JWT      JWT
	Commands string
	// RejectReason, when set, refuses every agent registration.
	RejectReason string
	// HoldAcks stops the simulator from acknowledging results.
	HoldAcks bool
}

func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CLOUDSIM")
	v.AutomaticEnv()

	v.SetDefault("cloud.host", "127.0.0.1")
	v.SetDefault("cloud.port", 9400)
	v.SetDefault("cloud.jwt.secret", "")
	v.SetDefault("cloud.jwt.issuer", "booth-agent")
	v.SetDefault("cloud.commands", "")
	v.SetDefault("cloud.reject_reason", "")
	v.SetDefault("cloud.hold_acks", false)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	return &Config{
		Host:         v.GetString("cloud.host"),
		Port:         v.GetInt("cloud.port"),
		JWT:          JWT{Secret: v.GetString("cloud.jwt.secret"), Issuer: v.GetString("cloud.jwt.issuer")},
		Commands:     v.GetString("cloud.commands"),
		RejectReason: v.GetString("cloud.reject_reason"),
		HoldAcks:     v.GetBool("cloud.hold_acks"),
	}, nil
}

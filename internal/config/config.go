package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/bigredeye/relgate/pkg/conf"
)

type Config struct {
	Log struct {
		Dev        bool
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	Workspace struct {
		Manifest string
		Dir      string
	}

	Storage struct {
		LogsDir   string
		MaxOutput string
	}

	DataBase struct {
		Host string
		Port uint16
		User string
		Pass string
		Name string
	}

	Server struct {
		ListenAddress string
		Tokens        []string
		CacheTTL      time.Duration
	}

	Reports struct {
		URL     string
		Token   string
		Timeout time.Duration
	}

	Telegram struct {
		BotToken string
		ChatID   int64
	}

	GitLab struct {
		BaseURL   string
		Token     string
		ProjectID string
		CommitSHA string
	}
}

func (c *Config) HasDataBase() bool {
	return c.DataBase.Host != ""
}

func (c *Config) DataBaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DataBase.Host, c.DataBase.Port, c.DataBase.User, c.DataBase.Pass, c.DataBase.Name)
}

var defaults = map[string]interface{}{
	"Workspace.Manifest":   "relgate.yaml",
	"Workspace.Dir":        ".",
	"Storage.LogsDir":      ".relgate/logs",
	"Storage.MaxOutput":    "4MiB",
	"DataBase.Port":        5432,
	"Server.ListenAddress": ":8080",
	"Server.CacheTTL":      10 * time.Minute,
	"Reports.Timeout":      10 * time.Second,
	"Log.MaxSizeMB":        100,
	"Log.MaxBackups":       3,
	"Log.MaxAgeDays":       28,
}

func ParseConfig(path string) (*Config, error) {
	config := &Config{}
	if err := conf.ParseConfig(config, conf.File(path), conf.EnvPrefix("RELGATE"), conf.Defaults(defaults)); err != nil {
		return nil, errors.Wrap(err, "Failed to parse config")
	}
	return config, nil
}

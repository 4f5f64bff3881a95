package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin       string       `yaml:"origin"`
	Host         string       `yaml:"host"`
	Port         int          `yaml:"port"`
	DB           string       `yaml:"db"`
	SyncSecret   string       `yaml:"syncSecret"`
	ForceOffline bool         `yaml:"forceOffline"`
	// durations in time.ParseDuration syntax, e.g. "10s", "24h"
	OriginTimeout  string       `yaml:"originTimeout"`
	CatalogRefresh string       `yaml:"catalogRefresh"`
	RootTTL        string       `yaml:"rootTtl"`
	ProbeInterval  string       `yaml:"probeInterval"`
	SyncInterval   string       `yaml:"syncInterval"`
	Notice         ConfigNotice `yaml:"notice"`
}

type ConfigNotice struct {
	Content   string `yaml:"content"`
	UpdatedBy string `yaml:"updatedBy"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

const defaultRegion = "us-east-1"

// Config holds the deployment defaults. Values from an invocation event take
// precedence over these.
type Config struct {
	// Region is the watched region. AWS_REGION belongs to the Lambda runtime.
	Region        string   `yaml:"region" envconfig:"MONITOR_REGION"`
	Channel       string   `yaml:"channel" envconfig:"ALERT_CHANNEL"`
	FunctionNames []string `yaml:"function_names" envconfig:"FUNCTION_NAMES"`
	WindowMinutes int      `yaml:"minutes" envconfig:"WINDOW_MINUTES" default:"5"`
	Threshold     float64  `yaml:"threshold" envconfig:"THRESHOLD" default:"0.05"`

	Concurrency         int  `yaml:"concurrency" envconfig:"CONCURRENCY" default:"1"`
	FailFast            bool `yaml:"fail_fast" envconfig:"FAIL_FAST" default:"false"`
	AlertWithoutSummary bool `yaml:"alert_without_summary" envconfig:"ALERT_WITHOUT_SUMMARY" default:"false"`

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT" default:"json"`

	Summarizer struct {
		Endpoint       string `yaml:"endpoint" envconfig:"ENDPOINT"`
		Model          string `yaml:"model" envconfig:"MODEL" default:"gpt-3.5-turbo"`
		ApiKey         string `yaml:"api_key" envconfig:"API_KEY"`
		TimeoutSeconds int    `yaml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS" default:"60"`
	} `yaml:"summarizer" envconfig:"OPENAI"`
	Webhook struct {
		HmacSecret string            `yaml:"hmac_secret" envconfig:"HMAC_SECRET"`
		Headers    map[string]string `yaml:"headers" envconfig:"HEADERS"`
	} `yaml:"webhook" envconfig:"WEBHOOK"`
	Pushgateway struct {
		Url string `yaml:"url" envconfig:"URL"`
		Job string `yaml:"job" envconfig:"JOB" default:"lambdawatch"`
	} `yaml:"pushgateway" envconfig:"PUSHGATEWAY"`
	Sentry struct {
		Dsn              string  `yaml:"dsn" envconfig:"DSN"`
		ErrorSampleRate  float64 `yaml:"error_sample_rate" default:"1.0" envconfig:"ERROR_SAMPLE_RATE"`
		TracesSampleRate float64 `yaml:"traces_sample_rate" default:"1.0" envconfig:"TRACES_SAMPLE_RATE"`
		Debug            bool    `yaml:"debug" default:"false" envconfig:"DEBUG"`
	} `yaml:"sentry" envconfig:"SENTRY"`
}

// LoadConfig reads the environment and then overlays the YAML file at path.
// A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	if path == "" {
		return config, nil
	}

	configFile, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(configFile, &config); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config file: %w", err)
	}

	return config, nil
}

package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the runtime shape of sortctl.toml.
type Config struct {
	ID            string
	AdminAddr     string
	CORSOrigins   []string
	JournalPath   string
	RestoreCounts bool
	Serial        SerialConfig
	Classifier    ClassifierConfig
	MQTT          MQTTConfig
	Cages         []CageConfig
}

type SerialConfig struct {
	Port          string
	Baud          int
	DTR           bool
	USBOnly       bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	SettleDelay   time.Duration
	Retries       int
	MaxFrameBytes int
	// RetryDelay is the pause before the first resend; 0 resends at once.
	RetryDelay      time.Duration
	RetryMultiplier float64
	RetryMaxDelay   time.Duration
	RetryJitter     bool
}

type ClassifierConfig struct {
	Kind     string
	Interval time.Duration
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// CageConfig keeps the operator-facing 0-100 percentage.
type CageConfig struct {
	Name           string
	Capacity       int
	MalePercentage float64
	FireAction     string
}

func Default() Config {
	return Config{
		ID:          "sorter.local",
		AdminAddr:   "127.0.0.1:7020",
		CORSOrigins: []string{"http://localhost:3000"},
		JournalPath: "local/sortctl.db",
		Serial: SerialConfig{
			Baud:            115200,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    time.Second,
			SettleDelay:     5500 * time.Millisecond,
			Retries:         5,
			MaxFrameBytes:   4096,
			RetryDelay:      2 * time.Second,
			RetryMultiplier: 1,
		},
		Classifier: ClassifierConfig{Kind: "random"},
		MQTT: MQTTConfig{
			ClientID: "sortctl",
			Topic:    "sortctl",
			QoS:      1,
		},
	}
}

type fileConfig struct {
	ID            string           `toml:"id"`
	AdminAddr     string           `toml:"admin_addr"`
	CORSOrigins   []string         `toml:"cors_origins"`
	JournalPath   string           `toml:"journal_path"`
	RestoreCounts bool             `toml:"restore_counts"`
	Serial        fileSerial       `toml:"serial"`
	Classifier    fileClassifier   `toml:"classifier"`
	MQTT          fileMQTT         `toml:"mqtt"`
	Cages         []fileCageConfig `toml:"cages"`
}

type fileSerial struct {
	Port            string  `toml:"port"`
	Baud            int     `toml:"baud"`
	DTR             bool    `toml:"dtr"`
	USBOnly         bool    `toml:"usb_only"`
	ReadTimeout     string  `toml:"read_timeout"`
	WriteTimeout    string  `toml:"write_timeout"`
	SettleDelay     string  `toml:"settle_delay"`
	Retries         int     `toml:"retries"`
	MaxFrameBytes   int     `toml:"max_frame_bytes"`
	RetryDelay      string  `toml:"retry_delay"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
	RetryMaxDelay   string  `toml:"retry_max_delay"`
	RetryJitter     bool    `toml:"retry_jitter"`
}

type fileClassifier struct {
	Kind     string `toml:"kind"`
	Interval string `toml:"interval"`
}

type fileMQTT struct {
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Topic    string `toml:"topic"`
	QoS      int    `toml:"qos"`
}

type fileCageConfig struct {
	Name           string  `toml:"name"`
	Capacity       int     `toml:"capacity"`
	MalePercentage float64 `toml:"male_percentage"`
	FireAction     string  `toml:"fire_action"`
}

// Load reads path over Default and validates the result. Keys absent from
// the file keep their defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: %s: unknown keys %v", ErrInvalidConfig, path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys %v", ErrInvalidConfig, undecoded)
	}
	return cfg, cfg.Validate()
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("journal_path") {
		cfg.JournalPath = strings.TrimSpace(raw.JournalPath)
	}
	if meta.IsDefined("restore_counts") {
		cfg.RestoreCounts = raw.RestoreCounts
	}

	if meta.IsDefined("serial", "port") {
		cfg.Serial.Port = strings.TrimSpace(raw.Serial.Port)
	}
	if meta.IsDefined("serial", "baud") {
		cfg.Serial.Baud = raw.Serial.Baud
	}
	if meta.IsDefined("serial", "dtr") {
		cfg.Serial.DTR = raw.Serial.DTR
	}
	if meta.IsDefined("serial", "usb_only") {
		cfg.Serial.USBOnly = raw.Serial.USBOnly
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"read_timeout", raw.Serial.ReadTimeout, &cfg.Serial.ReadTimeout},
		{"write_timeout", raw.Serial.WriteTimeout, &cfg.Serial.WriteTimeout},
		{"settle_delay", raw.Serial.SettleDelay, &cfg.Serial.SettleDelay},
		{"retry_delay", raw.Serial.RetryDelay, &cfg.Serial.RetryDelay},
		{"retry_max_delay", raw.Serial.RetryMaxDelay, &cfg.Serial.RetryMaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("serial", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse serial.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("serial", "retries") {
		cfg.Serial.Retries = raw.Serial.Retries
	}
	if meta.IsDefined("serial", "max_frame_bytes") {
		cfg.Serial.MaxFrameBytes = raw.Serial.MaxFrameBytes
	}
	if meta.IsDefined("serial", "retry_multiplier") {
		cfg.Serial.RetryMultiplier = raw.Serial.RetryMultiplier
	}
	if meta.IsDefined("serial", "retry_jitter") {
		cfg.Serial.RetryJitter = raw.Serial.RetryJitter
	}

	if meta.IsDefined("classifier", "kind") {
		cfg.Classifier.Kind = strings.ToLower(strings.TrimSpace(raw.Classifier.Kind))
	}
	if meta.IsDefined("classifier", "interval") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Classifier.Interval))
		if err != nil {
			return Config{}, fmt.Errorf("parse classifier.interval: %w", err)
		}
		cfg.Classifier.Interval = v
	}

	if meta.IsDefined("mqtt", "broker") {
		cfg.MQTT.Broker = strings.TrimSpace(raw.MQTT.Broker)
	}
	if meta.IsDefined("mqtt", "client_id") {
		cfg.MQTT.ClientID = strings.TrimSpace(raw.MQTT.ClientID)
	}
	if meta.IsDefined("mqtt", "topic") {
		cfg.MQTT.Topic = strings.TrimSpace(raw.MQTT.Topic)
	}
	if meta.IsDefined("mqtt", "qos") {
		if raw.MQTT.QoS < 0 || raw.MQTT.QoS > 2 {
			return Config{}, fmt.Errorf("%w: mqtt.qos %d outside 0..2", ErrInvalidConfig, raw.MQTT.QoS)
		}
		cfg.MQTT.QoS = byte(raw.MQTT.QoS)
	}

	if meta.IsDefined("cages") {
		cfg.Cages = make([]CageConfig, 0, len(raw.Cages))
		for _, c := range raw.Cages {
			cfg.Cages = append(cfg.Cages, CageConfig{
				Name:           strings.TrimSpace(c.Name),
				Capacity:       c.Capacity,
				MalePercentage: c.MalePercentage,
				FireAction:     strings.TrimSpace(c.FireAction),
			})
		}
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud))
	}
	if c.Serial.ReadTimeout <= 0 || c.Serial.WriteTimeout <= 0 {
		errs = append(errs, errors.New("serial timeouts must be positive"))
	}
	if c.Serial.SettleDelay < 0 {
		errs = append(errs, errors.New("serial.settle_delay must not be negative"))
	}
	if c.Serial.Retries <= 0 {
		errs = append(errs, fmt.Errorf("serial.retries must be positive, got %d", c.Serial.Retries))
	}
	if c.Serial.RetryDelay < 0 || c.Serial.RetryMaxDelay < 0 {
		errs = append(errs, errors.New("serial retry delays must not be negative"))
	}
	if math.IsNaN(c.Serial.RetryMultiplier) || c.Serial.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("serial.retry_multiplier must be at least 1, got %v", c.Serial.RetryMultiplier))
	}
	if c.Serial.MaxFrameBytes < 16 {
		errs = append(errs, fmt.Errorf("serial.max_frame_bytes too small: %d", c.Serial.MaxFrameBytes))
	}
	if c.Classifier.Interval < 0 {
		errs = append(errs, errors.New("classifier.interval must not be negative"))
	}
	if len(c.Cages) == 0 {
		errs = append(errs, errors.New("at least one [[cages]] entry is required"))
	}
	for i, cage := range c.Cages {
		if err := ValidateCage(cage); err != nil {
			errs = append(errs, fmt.Errorf("cages[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func ValidateCage(c CageConfig) error {
	if c.Capacity < 0 {
		return fmt.Errorf("capacity must not be negative, got %d", c.Capacity)
	}
	if math.IsNaN(c.MalePercentage) || c.MalePercentage < 0 || c.MalePercentage > 100 {
		return fmt.Errorf("male_percentage %v outside [0,100]", c.MalePercentage)
	}
	if strings.TrimSpace(c.FireAction) == "" {
		return errors.New("fire_action is required")
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

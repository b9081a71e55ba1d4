package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the paykitd configuration surface. Durations are whole seconds
// so the file stays editable by hand.
type Config struct {
	ListenAddress    string `toml:"ListenAddress"`
	MetricsAddress   string `toml:"MetricsAddress"`
	DataDir          string `toml:"DataDir"`
	KeystorePath     string `toml:"KeystorePath"`
	DirectoryBaseURL string `toml:"DirectoryBaseURL"`
	Environment      string `toml:"Environment"`

	ReceiptTimeoutSecs    int64 `toml:"ReceiptTimeoutSecs"`
	MonitorIntervalSecs   int64 `toml:"MonitorIntervalSecs"`
	SignatureLifetimeSecs int64 `toml:"SignatureLifetimeSecs"`
	HandshakeTimeoutSecs  int64 `toml:"HandshakeTimeoutSecs"`
	MaxFrameBytes         int64 `toml:"MaxFrameBytes"`

	RatePerIP   float64 `toml:"RatePerIP"`
	RateGlobal  float64 `toml:"RateGlobal"`
	BurstPerIP  int     `toml:"BurstPerIP"`
	BurstGlobal int     `toml:"BurstGlobal"`
}

// Load loads the configuration from the given path, materialising a default
// file on first run.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := defaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:         ":7411",
		MetricsAddress:        ":9411",
		DataDir:               "./paykit-data",
		KeystorePath:          "./paykit-data/identity.json",
		DirectoryBaseURL:      "http://127.0.0.1:7412",
		Environment:           "dev",
		ReceiptTimeoutSecs:    30,
		MonitorIntervalSecs:   60,
		SignatureLifetimeSecs: 7 * 24 * 60 * 60,
		HandshakeTimeoutSecs:  10,
		MaxFrameBytes:         1 << 20,
		RatePerIP:             1,
		RateGlobal:            32,
		BurstPerIP:            5,
		BurstGlobal:           64,
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

package config

import (
	"fmt"
	"strings"
)

// Validate bounds-checks the configuration before anything starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress is empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir is empty")
	}
	if strings.TrimSpace(c.KeystorePath) == "" {
		return fmt.Errorf("config: KeystorePath is empty")
	}
	if c.ReceiptTimeoutSecs <= 0 {
		return fmt.Errorf("config: ReceiptTimeoutSecs must be positive, got %d", c.ReceiptTimeoutSecs)
	}
	if c.MonitorIntervalSecs <= 0 {
		return fmt.Errorf("config: MonitorIntervalSecs must be positive, got %d", c.MonitorIntervalSecs)
	}
	if c.SignatureLifetimeSecs <= 0 {
		return fmt.Errorf("config: SignatureLifetimeSecs must be positive, got %d", c.SignatureLifetimeSecs)
	}
	if c.HandshakeTimeoutSecs <= 0 {
		return fmt.Errorf("config: HandshakeTimeoutSecs must be positive, got %d", c.HandshakeTimeoutSecs)
	}
	if c.MaxFrameBytes < 4096 {
		return fmt.Errorf("config: MaxFrameBytes must be at least 4096, got %d", c.MaxFrameBytes)
	}
	if c.RatePerIP < 0 || c.RateGlobal < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	return nil
}

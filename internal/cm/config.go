package cm

import (
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/wlancm/internal/scoring"
)

// VdevConfig is a station interface brought up when the module starts.
type VdevConfig struct {
	ID  uint8  `mapstructure:"id"`
	MAC string `mapstructure:"mac"`
}

// Config holds the connection manager configuration.
type Config struct {
	MaxRequests         int           `mapstructure:"max_requests"`
	MaxConnectAttempts  int           `mapstructure:"max_connect_attempts"`
	MaxCandidateRetries int           `mapstructure:"max_candidate_retries"`
	MaxPreauthRetries   int           `mapstructure:"max_preauth_retries"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	DisconnectTimeout   time.Duration `mapstructure:"disconnect_timeout"`
	RoamTimeout         time.Duration `mapstructure:"roam_timeout"`
	PreauthTimeout      time.Duration `mapstructure:"preauth_timeout"`
	ReassocTimer        time.Duration `mapstructure:"reassoc_timer"`
	ScanTimeout         time.Duration `mapstructure:"scan_timeout"`
	SyncDisconnectWait  time.Duration `mapstructure:"sync_disconnect_wait"`
	// RejectTTL is how long a BSS stays avoid-listed after a handoff failure.
	RejectTTL         time.Duration `mapstructure:"reject_ttl"`
	PanicOnCmdTimeout bool          `mapstructure:"panic_on_cmd_timeout"`
	RoamOffload       bool          `mapstructure:"roam_offload"`
	MCCRestricted     bool          `mapstructure:"mcc_restricted"`

	Vdevs   []VdevConfig   `mapstructure:"vdevs"`
	Scoring scoring.Config `mapstructure:"scoring"`
	Policy  PolicyConfig   `mapstructure:"policy"`
}

// DefaultConfig returns the default configuration for the cm module.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         DefaultMaxRequests,
		MaxConnectAttempts:  5,
		MaxCandidateRetries: 1,
		MaxPreauthRetries:   3,
		ConnectTimeout:      30 * time.Second,
		DisconnectTimeout:   5 * time.Second,
		RoamTimeout:         10 * time.Second,
		PreauthTimeout:      10 * time.Second,
		ReassocTimer:        60 * time.Second,
		ScanTimeout:         10 * time.Second,
		SyncDisconnectWait:  2 * time.Second,
		RejectTTL:           5 * time.Minute,
		Scoring:             scoring.DefaultConfig(),
		Policy:              PolicyConfig{AllowMCC: true, AllowDBS: true},
	}
}

// Validate rejects configurations the state machine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRequests < 2 {
		errs = append(errs, fmt.Errorf("max_requests must be at least 2, got %d", c.MaxRequests))
	}
	if c.MaxConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_connect_attempts must be positive, got %d", c.MaxConnectAttempts))
	}
	if c.MaxPreauthRetries < 1 {
		errs = append(errs, fmt.Errorf("max_preauth_retries must be positive, got %d", c.MaxPreauthRetries))
	}
	if c.MaxCandidateRetries < 0 {
		errs = append(errs, fmt.Errorf("max_candidate_retries must not be negative, got %d", c.MaxCandidateRetries))
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":    c.ConnectTimeout,
		"disconnect_timeout": c.DisconnectTimeout,
		"roam_timeout":       c.RoamTimeout,
		"preauth_timeout":    c.PreauthTimeout,
		"reassoc_timer":      c.ReassocTimer,
		"scan_timeout":       c.ScanTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	for freq, w := range c.Policy.PCL {
		if w < 0 || w > 255 {
			errs = append(errs, fmt.Errorf("policy.pcl weight for %d MHz must be 0..255, got %d", freq, w))
		}
	}
	return errors.Join(errs...)
}

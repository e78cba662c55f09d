package hcicore

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default timing values. ACL/LE tx timeouts must exceed the maximum link
// supervision timeout (40.9s).
const (
	DefaultCmdTimeout     = 2 * time.Second
	DefaultInitTimeout    = 10 * time.Second
	DefaultACLTxTimeout   = 45 * time.Second
	DefaultLETxTimeout    = 45 * time.Second
	DefaultAutoOffTimeout = 2 * time.Second
	DefaultMaxCmdCredits  = 1
)

// Config is the device-level tunable configuration, usually loaded from YAML.
type Config struct {
	CmdTimeout     time.Duration `yaml:"cmd_timeout"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	ACLTxTimeout   time.Duration `yaml:"acl_tx_timeout"`
	LETxTimeout    time.Duration `yaml:"le_tx_timeout"`
	AutoOffTimeout time.Duration `yaml:"auto_off_timeout"`

	// MaxCmdCredits caps the number of commands in flight regardless of
	// what the controller advertises.
	MaxCmdCredits int `yaml:"max_cmd_credits"`

	// Quirks names entries of the driver quirk table, e.g. "reset_on_close".
	Quirks []string `yaml:"quirks"`

	// EventMaskFile optionally replaces the built-in event mask table.
	EventMaskFile string `yaml:"event_mask_file"`

	// KeyStore is the path of the persisted link key file.
	KeyStore string `yaml:"key_store"`

	LinkSecurity      bool `yaml:"link_security"`
	SSP               bool `yaml:"ssp"`
	SecureConnections bool `yaml:"secure_connections"`
	LE                bool `yaml:"le"`
	WidebandSpeech    bool `yaml:"wideband_speech"`

	// SCOFlowControl makes the scheduler consume SCO credits and wait for
	// Number Of Completed Packets. Most controllers run SCO without it.
	SCOFlowControl bool `yaml:"sco_flow_control"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() Config {
	return Config{
		CmdTimeout:     DefaultCmdTimeout,
		InitTimeout:    DefaultInitTimeout,
		ACLTxTimeout:   DefaultACLTxTimeout,
		LETxTimeout:    DefaultLETxTimeout,
		AutoOffTimeout: DefaultAutoOffTimeout,
		MaxCmdCredits:  DefaultMaxCmdCredits,
		SSP:            true,
		LE:             true,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	in, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "can't read config")
	}

	if err := yaml.Unmarshal(in, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "can't parse config %s", path)
	}

	return cfg, cfg.Validate()
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.CmdTimeout <= 0:
		return errors.Errorf("cmd_timeout must be positive, got %v", c.CmdTimeout)
	case c.InitTimeout < c.CmdTimeout:
		return errors.Errorf("init_timeout %v shorter than cmd_timeout %v", c.InitTimeout, c.CmdTimeout)
	case c.ACLTxTimeout <= 0 || c.LETxTimeout <= 0:
		return errors.New("tx timeouts must be positive")
	case c.MaxCmdCredits < 1:
		return errors.Errorf("max_cmd_credits must be at least 1, got %d", c.MaxCmdCredits)
	}
	return nil
}

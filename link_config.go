package go_peerlink

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

type LinkConfigProperty int

const (
	LINK_CONFIG_PROP_REKEY_INTERVAL LinkConfigProperty = iota
	LINK_CONFIG_PROP_MAX_REKEY_DELAY
	LINK_CONFIG_PROP_REKEY_BYTES

	LINK_CONFIG_PROP_ACK_TIMEOUT
	LINK_CONFIG_PROP_RESEND_TIMEOUT

	LINK_CONFIG_PROP_SEQUENCED_NEG_TYPE
	LINK_CONFIG_PROP_SEQUENCED_WINDOW

	// Swap current/previous back after a verified handshake when the negotiation
	// layer reports the new key as older than the one it demoted.
	LINK_CONFIG_PROP_SWAP_ON_FRESHNESS

	LINK_CONFIG_PROP_SWEEP_INTERVAL
	LINK_CONFIG_PROP_HISTORY_HORIZON

	NR_OF_LINK_CONFIG_PROPERTIES
)

var linkOptions = [NR_OF_LINK_CONFIG_PROPERTIES]string{
	"link.rekeyInterval",
	"link.maxRekeyDelay",
	"link.rekeyBytes",
	"link.ackTimeout",
	"link.resendTimeout",
	"link.sequencedNegType",
	"link.sequencedWindow",
	"link.swapOnFreshness",
	"link.sweepInterval",
	"link.historyHorizon",
}

// LinkConfig holds the tunables of a PeerLink. Unset properties fall back to the
// LINK_DEFAULT_* constants. A LinkConfig is safe for concurrent use.
type LinkConfig struct {
	mu         sync.RWMutex
	properties [NR_OF_LINK_CONFIG_PROPERTIES]string
}

// NewLinkConfig creates a LinkConfig with every property at its default.
func NewLinkConfig() *LinkConfig {
	return &LinkConfig{}
}

// linkConfigFile is the TOML layout accepted by LoadLinkConfigFile.
//
// Example:
//
//	rekey_interval = "60m"
//	max_rekey_delay = "5m"
//	rekey_bytes = "1073741824"
//	swap_on_freshness = "true"
type linkConfigFile struct {
	RekeyInterval    string `toml:"rekey_interval"`
	MaxRekeyDelay    string `toml:"max_rekey_delay"`
	RekeyBytes       string `toml:"rekey_bytes"`
	AckTimeout       string `toml:"ack_timeout"`
	ResendTimeout    string `toml:"resend_timeout"`
	SequencedNegType string `toml:"sequenced_neg_type"`
	SequencedWindow  string `toml:"sequenced_window"`
	SwapOnFreshness  string `toml:"swap_on_freshness"`
	SweepInterval    string `toml:"sweep_interval"`
	HistoryHorizon   string `toml:"history_horizon"`
}

// LoadLinkConfigFile reads a TOML file into a new LinkConfig and validates it.
func LoadLinkConfigFile(path string) (*LinkConfig, error) {
	var file linkConfigFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to decode link config %s: %w", path, err)
	}

	config := NewLinkConfig()
	values := [NR_OF_LINK_CONFIG_PROPERTIES]string{
		file.RekeyInterval,
		file.MaxRekeyDelay,
		file.RekeyBytes,
		file.AckTimeout,
		file.ResendTimeout,
		file.SequencedNegType,
		file.SequencedWindow,
		file.SwapOnFreshness,
		file.SweepInterval,
		file.HistoryHorizon,
	}
	for i, value := range values {
		if value != "" {
			config.SetProperty(LinkConfigProperty(i), value)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	Debug("Loaded link config from %s", path)
	return config, nil
}

// SetProperty sets a property by its enumerated ID. Values are validated lazily by
// the typed getters and eagerly by Validate.
func (config *LinkConfig) SetProperty(prop LinkConfigProperty, value string) {
	if prop < 0 || prop >= NR_OF_LINK_CONFIG_PROPERTIES {
		Warning("Ignoring unknown link config property %d", prop)
		return
	}
	config.mu.Lock()
	config.properties[prop] = value
	config.mu.Unlock()
}

// GetProperty returns the raw string value of a property, or "" when unset.
func (config *LinkConfig) GetProperty(prop LinkConfigProperty) string {
	if prop < 0 || prop >= NR_OF_LINK_CONFIG_PROPERTIES {
		return ""
	}
	config.mu.RLock()
	defer config.mu.RUnlock()
	return config.properties[prop]
}

// SetProperties applies a map keyed by dotted option names (e.g. "link.rekeyInterval").
// Unknown names are rejected without applying any of the map.
func (config *LinkConfig) SetProperties(properties map[string]string) error {
	if len(properties) == 0 {
		return fmt.Errorf("properties cannot be nil or empty: %w", ErrInvalidArgument)
	}
	for name := range properties {
		if propFromString(name) < 0 {
			return configError(name, properties[name], fmt.Errorf("unknown property"))
		}
	}
	for name, value := range properties {
		Debug("Link config property: %s = %s", name, value)
		config.SetProperty(propFromString(name), value)
	}
	return nil
}

// Validate parses every set property and reports the first invalid one.
func (config *LinkConfig) Validate() error {
	for i := LinkConfigProperty(0); i < NR_OF_LINK_CONFIG_PROPERTIES; i++ {
		value := config.GetProperty(i)
		if value == "" {
			continue
		}
		if err := validateLinkProperty(i, value); err != nil {
			return err
		}
	}
	if config.MaxRekeyDelay() >= config.RekeyInterval() {
		return configError(linkOptions[LINK_CONFIG_PROP_MAX_REKEY_DELAY], config.GetProperty(LINK_CONFIG_PROP_MAX_REKEY_DELAY),
			fmt.Errorf("must be shorter than %s", linkOptions[LINK_CONFIG_PROP_REKEY_INTERVAL]))
	}
	return nil
}

func validateLinkProperty(prop LinkConfigProperty, value string) error {
	name := linkOptions[prop]
	switch prop {
	case LINK_CONFIG_PROP_REKEY_INTERVAL, LINK_CONFIG_PROP_MAX_REKEY_DELAY,
		LINK_CONFIG_PROP_ACK_TIMEOUT, LINK_CONFIG_PROP_RESEND_TIMEOUT,
		LINK_CONFIG_PROP_SWEEP_INTERVAL, LINK_CONFIG_PROP_HISTORY_HORIZON:
		d, err := time.ParseDuration(value)
		if err != nil {
			return configError(name, value, err)
		}
		if d <= 0 {
			return configError(name, value, fmt.Errorf("must be positive"))
		}
	case LINK_CONFIG_PROP_REKEY_BYTES:
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return configError(name, value, err)
		}
	case LINK_CONFIG_PROP_SEQUENCED_NEG_TYPE, LINK_CONFIG_PROP_SEQUENCED_WINDOW:
		n, err := strconv.Atoi(value)
		if err != nil {
			return configError(name, value, err)
		}
		if n <= 0 {
			return configError(name, value, fmt.Errorf("must be positive"))
		}
	case LINK_CONFIG_PROP_SWAP_ON_FRESHNESS:
		if _, err := strconv.ParseBool(value); err != nil {
			return configError(name, value, err)
		}
	}
	return nil
}

func propFromString(name string) LinkConfigProperty {
	for i := LinkConfigProperty(0); i < NR_OF_LINK_CONFIG_PROPERTIES; i++ {
		if linkOptions[i] == name {
			return i
		}
	}
	return -1
}

func (config *LinkConfig) durationProperty(prop LinkConfigProperty, fallback time.Duration) time.Duration {
	value := config.GetProperty(prop)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		Warning("Invalid %s value '%s', using default %v", linkOptions[prop], value, fallback)
		return fallback
	}
	return d
}

func (config *LinkConfig) intProperty(prop LinkConfigProperty, fallback int) int {
	value := config.GetProperty(prop)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		Warning("Invalid %s value '%s', using default %d", linkOptions[prop], value, fallback)
		return fallback
	}
	return n
}

// RekeyInterval returns how long a session key lives before a rekey is due.
func (config *LinkConfig) RekeyInterval() time.Duration {
	return config.durationProperty(LINK_CONFIG_PROP_REKEY_INTERVAL, LINK_DEFAULT_REKEY_INTERVAL)
}

// MaxRekeyDelay returns how far past its due time a rekey may run before the link is torn down.
func (config *LinkConfig) MaxRekeyDelay() time.Duration {
	return config.durationProperty(LINK_CONFIG_PROP_MAX_REKEY_DELAY, LINK_DEFAULT_MAX_REKEY_DELAY)
}

// RekeyBytes returns the traffic volume that makes a rekey due immediately.
func (config *LinkConfig) RekeyBytes() uint64 {
	value := config.GetProperty(LINK_CONFIG_PROP_REKEY_BYTES)
	if value == "" {
		return LINK_DEFAULT_REKEY_BYTES
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil || n == 0 {
		Warning("Invalid %s value '%s', using default %d", linkOptions[LINK_CONFIG_PROP_REKEY_BYTES], value, LINK_DEFAULT_REKEY_BYTES)
		return LINK_DEFAULT_REKEY_BYTES
	}
	return n
}

// AckTimeout returns the longest an incoming packet waits for its ack.
func (config *LinkConfig) AckTimeout() time.Duration {
	return config.durationProperty(LINK_CONFIG_PROP_ACK_TIMEOUT, LINK_DEFAULT_ACK_TIMEOUT)
}

// ResendTimeout returns how long a sent packet may go unacknowledged.
func (config *LinkConfig) ResendTimeout() time.Duration {
	return config.durationProperty(LINK_CONFIG_PROP_RESEND_TIMEOUT, LINK_DEFAULT_RESEND_TIMEOUT)
}

// SequencedNegType returns the first negotiation type that selects the sequenced packet format.
func (config *LinkConfig) SequencedNegType() int {
	return config.intProperty(LINK_CONFIG_PROP_SEQUENCED_NEG_TYPE, LINK_NEG_TYPE_SEQUENCED)
}

// SequencedWindow returns the in-flight message window of the sequenced packet format.
func (config *LinkConfig) SequencedWindow() int {
	return config.intProperty(LINK_CONFIG_PROP_SEQUENCED_WINDOW, LINK_DEFAULT_SEQUENCED_WINDOW)
}

// SwapOnFreshness reports whether verified handshakes honour the "older" freshness hint.
func (config *LinkConfig) SwapOnFreshness() bool {
	value := config.GetProperty(LINK_CONFIG_PROP_SWAP_ON_FRESHNESS)
	if value == "" {
		return false
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return b
}

// SweepInterval returns the period of the scheduler loop.
func (config *LinkConfig) SweepInterval() time.Duration {
	return config.durationProperty(LINK_CONFIG_PROP_SWEEP_INTERVAL, LINK_DEFAULT_SWEEP_INTERVAL)
}

// HistoryHorizon returns the age limit for samples in a sent-packets digest.
func (config *LinkConfig) HistoryHorizon() time.Duration {
	horizon := config.durationProperty(LINK_CONFIG_PROP_HISTORY_HORIZON, LINK_DEFAULT_HISTORY_HORIZON)
	if horizon > LINK_DEFAULT_HISTORY_HORIZON {
		return LINK_DEFAULT_HISTORY_HORIZON
	}
	return horizon
}

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/toneloc/stable-channels/lncfg"
	"github.com/toneloc/stable-channels/stability"
)

const (
	defaultDataDirname  = "data"
	defaultLogDirname   = "logs"
	defaultLogFilename  = "stablechannelsd.log"
	defaultConfigFilename = "stablechannelsd.conf"

	defaultMaxLogFileSize = 10
	defaultMaxLogFiles    = 3

	defaultTickInterval    = 30 * time.Second
	defaultJitterFraction  = 0.1
	defaultStalenessFactor = 3
	defaultDegradedMinutes = 5
	defaultDriftThreshold  = 2
	defaultLeaseExpiry     = 2 * time.Minute
	defaultPaymentDeadline = 30 * time.Second
	defaultRetentionHours  = 24

	defaultBalancePollInterval = 2 * time.Second
)

// channelConfig is one --channel flag's raw, unparsed fields (spec.md §6
// Operator surface): "<funding-outpoint>,<role>,<peg-usd>,<native-sat>".
// role is "receiver" or "provider"; native-sat has no silent default (spec.md
// §9) and must always be given explicitly, 0 if the channel has none.
type channelConfig struct {
	ChannelPoint string
	Role         stability.Role
	PegUSD       stability.MicroUSD
	NativeSat    stability.Sat
}

// Config is the daemon's top-level configuration, parsed from the command
// line and an optional ini config file in a two-pass shape: a pre-parse
// picks up --configfile, then the full parser reads flags layered over the
// file (spec.md §6 Operator surface).
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	DataDir    string `long:"datadir" description:"Directory to store the agreement database"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	ConfigFile string `long:"configfile" description:"Path to configuration file"`

	DebugLevel     string `long:"debuglevel" description:"Logging level for all subsystems, or <subsystem>=<level>,<subsystem>=<level>,... to set per-subsystem levels"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum log file size in MB before it is rotated"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum number of rotated log files to keep"`

	CounterpartyID string `long:"counterparty" description:"The Lightning node pubkey of the channel counterparty all agreements pay to/from"`

	// Channels is the repeated --channel flag, one per Stable Agreement
	// to activate on startup.
	Channels []string `long:"channel" description:"A Stable Agreement as <channel-point>,<role>,<peg-usd>,<native-sat>; role is 'receiver' or 'provider', native-sat is required (0 if none). May be given multiple times."`

	// PriceSources is the repeated --pricesource flag, one per exchange
	// feed (spec.md §4.1).
	PriceSources []string `long:"pricesource" description:"A price source as <name>,<url>,<json-path>. May be given multiple times; at least 5 is the design default."`

	TickIntervalSeconds    int     `long:"tickinterval" description:"Seconds between ticks"`
	JitterFraction         float64 `long:"jitterfraction" description:"Fractional jitter applied to the tick interval"`
	StalenessFactor        int     `long:"stalenessfactor" description:"Reject a reference price older than this many tick intervals"`
	DegradedIntervalMinutes int    `long:"degradedinterval" description:"Tick cadence, in minutes, used once drift is detected"`
	DriftThreshold          int    `long:"driftthreshold" description:"Consecutive unhealthy ticks before entering degraded mode"`
	LeaseExpirySeconds      int    `long:"leaseexpiry" description:"Seconds before a crashed process's single-flight lease is considered stale"`
	PaymentDeadlineSeconds  int    `long:"paymentdeadline" description:"Seconds a single payment attempt is allowed to take"`
	IdempotencyRetentionHours int  `long:"idempotencyretention" description:"Hours a recorded payment outcome blocks a repeat of the same idempotency key"`
	BalancePollIntervalSeconds int `long:"balancepollinterval" description:"Seconds between balance-change polls used to resolve a Settling-state payment"`
}

// DefaultConfig returns a Config populated with every default value, before
// any flag or config-file parsing happens.
func DefaultConfig() Config {
	return Config{
		DataDir:                 defaultDataDirname,
		LogDir:                  defaultLogDirname,
		DebugLevel:              "info",
		MaxLogFileSize:          defaultMaxLogFileSize,
		MaxLogFiles:             defaultMaxLogFiles,
		TickIntervalSeconds:     int(defaultTickInterval / time.Second),
		JitterFraction:          defaultJitterFraction,
		StalenessFactor:         defaultStalenessFactor,
		DegradedIntervalMinutes: defaultDegradedMinutes,
		DriftThreshold:          defaultDriftThreshold,
		LeaseExpirySeconds:      int(defaultLeaseExpiry / time.Second),
		PaymentDeadlineSeconds:  int(defaultPaymentDeadline / time.Second),
		IdempotencyRetentionHours: defaultRetentionHours,
		BalancePollIntervalSeconds: int(defaultBalancePollInterval / time.Second),
	}
}

// balancePollInterval returns the configured balance-diff poll cadence,
// falling back to the package default if unset (e.g. a config struct built
// directly by a test rather than via DefaultConfig).
func (c *Config) balancePollInterval() time.Duration {
	if c.BalancePollIntervalSeconds <= 0 {
		return defaultBalancePollInterval
	}
	return time.Duration(c.BalancePollIntervalSeconds) * time.Second
}

// LoadConfig parses the command line twice, a preliminary/full parse split:
// the first pass only extracts --configfile
// (and --version, handled by the caller) so a custom config path can be
// honored before the ini file is read; the second pass re-applies the
// command line on top of the file so flags always win.
func LoadConfig() (*Config, error) {
	preCfg := DefaultConfig()
	preParser := flags.NewParser(&preCfg, flags.Default)
	if _, err := preParser.Parse(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if preCfg.ConfigFile != "" {
		if err := flags.NewIniParser(flags.NewParser(&cfg, flags.Default)).ParseFile(preCfg.ConfigFile); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("daemon: parsing config file: %w", err)
			}
		}
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// AgreementConfigs parses every --channel flag into a stability.Agreement.
// CounterpartyID is shared across all agreements: spec.md's Non-goals
// exclude routed/multi-hop delivery, so every agreement in one process pays
// the same directly-connected peer.
func (c *Config) AgreementConfigs() ([]stability.Agreement, error) {
	agreements := make([]stability.Agreement, 0, len(c.Channels))
	for _, raw := range c.Channels {
		cc, err := parseChannelConfig(raw)
		if err != nil {
			return nil, err
		}
		agreements = append(agreements, stability.Agreement{
			ChannelID: stability.ParseChannelID(cc.ChannelPoint),
			Role:      cc.Role,
			PegUSD:    cc.PegUSD,
			NativeSat: cc.NativeSat,
		})
	}
	return agreements, nil
}

func parseChannelConfig(raw string) (channelConfig, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return channelConfig{}, fmt.Errorf("daemon: malformed --channel value %q: "+
			"expected <channel-point>,<role>,<peg-usd>,<native-sat> (spec.md §9: the "+
			"native-sat component must be confirmed explicitly per deployment, "+
			"there is no silent default)", raw)
	}

	var role stability.Role
	switch strings.ToLower(strings.TrimSpace(parts[1])) {
	case "receiver":
		role = stability.RoleReceiver
	case "provider":
		role = stability.RoleProvider
	default:
		return channelConfig{}, fmt.Errorf("daemon: --channel role must be "+
			"'receiver' or 'provider', got %q", parts[1])
	}

	pegDollars, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return channelConfig{}, fmt.Errorf("daemon: invalid peg USD value %q: %w", parts[2], err)
	}

	cc := channelConfig{
		ChannelPoint: strings.TrimSpace(parts[0]),
		Role:         role,
		PegUSD:       stability.USD(int64(pegDollars), int64(pegDollars*100)%100),
	}

	nativeSat, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64)
	if err != nil {
		return channelConfig{}, fmt.Errorf("daemon: invalid native sat value %q: %w", parts[3], err)
	}
	cc.NativeSat = stability.Sat(nativeSat)

	return cc, nil
}

// PriceSourceDescriptors parses every --pricesource flag and normalizes
// the URLs via lncfg, rejecting duplicates.
func (c *Config) PriceSourceDescriptors() ([]priceSourceConfig, error) {
	urls := make([]string, 0, len(c.PriceSources))
	parsed := make([]priceSourceConfig, 0, len(c.PriceSources))

	for _, raw := range c.PriceSources {
		parts := strings.SplitN(raw, ",", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("daemon: malformed --pricesource value %q: "+
				"expected <name>,<url>,<json-path>", raw)
		}
		parsed = append(parsed, priceSourceConfig{
			Name: strings.TrimSpace(parts[0]),
			URL:  strings.TrimSpace(parts[1]),
			Path: strings.TrimSpace(parts[2]),
		})
		urls = append(urls, strings.TrimSpace(parts[1]))
	}

	if _, err := lncfg.NormalizeEndpoints(urls); err != nil {
		return nil, err
	}

	return parsed, nil
}

// priceSourceConfig mirrors priceagg.SourceDescriptor; kept local to avoid
// importing priceagg into the config-parsing path for just this shape.
type priceSourceConfig struct {
	Name string
	URL  string
	Path string
}

// LogFilePath returns the full path to the rotating text log file.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// AgreementDBPath returns the full path to the bbolt agreement database.
func (c *Config) AgreementDBPath() string {
	return filepath.Join(c.DataDir, "agreements.db")
}

// AuditLogPath returns the full path to a channel's Tick Record log.
func (c *Config) AuditLogPath(channelID stability.ChannelID) string {
	safe := strings.ReplaceAll(channelID.String(), ":", "-")
	return filepath.Join(c.DataDir, "audit", safe+".log")
}

func (c *Config) loopConfig() LoopConfig {
	return LoopConfig{
		CounterpartyID:         c.CounterpartyID,
		TickInterval:           time.Duration(c.TickIntervalSeconds) * time.Second,
		JitterFraction:         c.JitterFraction,
		StalenessFactor:        c.StalenessFactor,
		DegradedInterval:       time.Duration(c.DegradedIntervalMinutes) * time.Minute,
		DriftThreshold:         c.DriftThreshold,
		LeaseExpiry:            time.Duration(c.LeaseExpirySeconds) * time.Second,
		PaymentDeadline:        time.Duration(c.PaymentDeadlineSeconds) * time.Second,
		SettlementPollInterval: time.Second,
		SettlementRetention:    time.Duration(c.IdempotencyRetentionHours) * time.Hour,
	}
}

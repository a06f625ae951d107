// Package config loads the daemon configuration from a YAML file, a .env
// file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that reads from YAML strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Server    Server              `yaml:"server"`
	Log       Log                 `yaml:"log"`
	Store     Store               `yaml:"store"`
	Network   Network             `yaml:"network"`
	Upload    Upload              `yaml:"upload"`
	Session   Session             `yaml:"session"`
	Keys      Keys                `yaml:"keys"`
	Segmenter Segmenter           `yaml:"segmenter"`
	Policy    map[string][]string `yaml:"policy"`
}

type Server struct {
	Listen          string `yaml:"listen"`
	PlaylistBaseURL string `yaml:"playlistBaseURL"`
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool `yaml:"secureCookies"`
	// ViewerHeader names the header carrying the authenticated viewer.
	ViewerHeader string `yaml:"viewerHeader"`
}

type Log struct {
	Level   string `yaml:"level"`
	NoColor bool   `yaml:"noColor"`
}

type Store struct {
	Path             string `yaml:"path"`
	MinimumFreeSpace int    `yaml:"minimumFreeSpaceGB"`
	InMemory         bool   `yaml:"inMemory"`
}

type Network struct {
	// URL of a remote storage node. Empty runs the in-process network.
	URL          string `yaml:"url"`
	DataShards   uint8  `yaml:"dataShards"`
	ParityShards uint8  `yaml:"parityShards"`
	Epochs       uint32 `yaml:"epochs"`
	// Serve exposes the in-process network under /storage.
	Serve bool `yaml:"serve"`
}

type Upload struct {
	BatchSize            int      `yaml:"batchSize"`
	MaxConcurrentBatches int      `yaml:"maxConcurrentBatches"`
	MaxInFlight          int      `yaml:"maxInFlight"`
	MaxAttempts          int      `yaml:"maxAttempts"`
	RetryDelay           Duration `yaml:"retryDelay"`
	MaxSourceSize        int64    `yaml:"maxSourceSize"`
}

type Session struct {
	Window        Duration `yaml:"window"`
	MaxLifetime   Duration `yaml:"maxLifetime"`
	SweepInterval Duration `yaml:"sweepInterval"`
}

type KeyServer struct {
	ID             string `yaml:"id"`
	PrivateKeyFile string `yaml:"privateKeyFile"`
}

type Keys struct {
	// MasterKey is hex; prefer MasterKeyFile or the environment.
	MasterKey     string      `yaml:"masterKey"`
	MasterKeyFile string      `yaml:"masterKeyFile"`
	SignerKeyFile string      `yaml:"signerKeyFile"`
	KeyServers    []KeyServer `yaml:"keyServers"`
	SealThreshold int         `yaml:"sealThreshold"`
}

type Segmenter struct {
	SegmentSize     int      `yaml:"segmentSize"`
	SegmentDuration Duration `yaml:"segmentDuration"`
	ContentDefined  bool     `yaml:"contentDefined"`
	InitSegment     bool     `yaml:"initSegment"`
	PosterSize      int      `yaml:"posterSize"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server:  Server{Listen: ":4243", ViewerHeader: "X-Viewer"},
		Log:     Log{Level: "info"},
		Store:   Store{Path: "./data/meta", MinimumFreeSpace: 1},
		Network: Network{DataShards: 4, ParityShards: 2, Epochs: 5},
		Upload: Upload{
			BatchSize:            25,
			MaxConcurrentBatches: 2,
			MaxInFlight:          8,
			MaxAttempts:          3,
			RetryDelay:           Duration(2 * time.Second),
			MaxSourceSize:        2 << 30,
		},
		Session: Session{
			Window:        Duration(10 * time.Minute),
			MaxLifetime:   Duration(2 * time.Hour),
			SweepInterval: Duration(time.Minute),
		},
		Keys: Keys{
			MasterKeyFile: "./data/master.key",
			SignerKeyFile: "./data/signer.key",
		},
		Segmenter: Segmenter{
			SegmentSize:     1 << 20,
			SegmentDuration: Duration(4 * time.Second),
			InitSegment:     true,
		},
	}
}

// Load reads path (optional, may be empty) and envFile (optional), applies
// OM_* environment overrides and validates the result.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		// Variables already present in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s is not a valid integer", key))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s is not a valid duration: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s is not a valid boolean", key))
				return
			}
			*dst = b
		}
	}

	str("OM_LISTEN", &cfg.Server.Listen)
	str("OM_PLAYLIST_BASE_URL", &cfg.Server.PlaylistBaseURL)
	str("OM_LOG_LEVEL", &cfg.Log.Level)
	str("OM_STORE_PATH", &cfg.Store.Path)
	boolean("OM_STORE_IN_MEMORY", &cfg.Store.InMemory)
	str("OM_NETWORK_URL", &cfg.Network.URL)
	integer("OM_UPLOAD_BATCH_SIZE", &cfg.Upload.BatchSize)
	integer("OM_UPLOAD_MAX_IN_FLIGHT", &cfg.Upload.MaxInFlight)
	integer("OM_UPLOAD_MAX_ATTEMPTS", &cfg.Upload.MaxAttempts)
	duration("OM_UPLOAD_RETRY_DELAY", &cfg.Upload.RetryDelay)
	duration("OM_SESSION_WINDOW", &cfg.Session.Window)
	duration("OM_SESSION_MAX_LIFETIME", &cfg.Session.MaxLifetime)
	str("OM_MASTER_KEY", &cfg.Keys.MasterKey)
	str("OM_MASTER_KEY_FILE", &cfg.Keys.MasterKeyFile)
	str("OM_SIGNER_KEY_FILE", &cfg.Keys.SignerKeyFile)
	if v, ok := lookup("OM_EPOCHS"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("OM_EPOCHS is not a valid integer"))
		} else {
			cfg.Network.Epochs = uint32(n)
		}
	}
	return errors.Join(errs...)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required unless store.inMemory is set"))
	}
	if c.Network.Epochs == 0 {
		errs = append(errs, errors.New("network.epochs must be positive"))
	}
	if c.Upload.MaxAttempts < 1 {
		errs = append(errs, errors.New("upload.maxAttempts must be at least 1"))
	}
	if c.Session.Window.Std() <= 0 || c.Session.Window.Std() > c.Session.MaxLifetime.Std() {
		errs = append(errs, fmt.Errorf("session.window %s must be positive and within session.maxLifetime %s",
			c.Session.Window.Std(), c.Session.MaxLifetime.Std()))
	}
	if c.Keys.MasterKey == "" && c.Keys.MasterKeyFile == "" {
		errs = append(errs, errors.New("keys.masterKey or keys.masterKeyFile is required"))
	}
	seen := map[string]bool{}
	for _, ks := range c.Keys.KeyServers {
		if ks.ID == "" || strings.Contains(ks.ID, "/") || seen[ks.ID] {
			errs = append(errs, fmt.Errorf("key server id %q is empty, invalid or duplicated", ks.ID))
		}
		seen[ks.ID] = true
		if ks.PrivateKeyFile == "" {
			errs = append(errs, fmt.Errorf("key server %s: privateKeyFile is required", ks.ID))
		}
	}
	if n := len(c.Keys.KeyServers); c.Keys.SealThreshold < 0 || c.Keys.SealThreshold > n {
		errs = append(errs, fmt.Errorf("keys.sealThreshold %d out of range for %d key servers", c.Keys.SealThreshold, n))
	}
	return errors.Join(errs...)
}

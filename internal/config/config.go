// Package config loads the deployment-wide constants and runtime flags
// that every peer running the secure messaging core must agree on.
//
// The wire format (bucket hashing, inventory digests, PoW admission) is
// only interoperable between peers that share identical values for the
// SMSG_* constants, so these are loaded once at startup from a YAML file
// and never mutated afterwards.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the deployment constants of spec section 6 plus the
// runtime controls named in section 6's "Runtime controls" paragraph.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	// Deployment constants. Every field here MUST be identical across all
	// participating peers or bucket hashes and inventories will never
	// converge.
	Retention    time.Duration `yaml:"retention"`
	BucketLen    time.Duration `yaml:"bucket_len"`
	SendDelay    time.Duration `yaml:"send_delay"`
	ThreadDelay  time.Duration `yaml:"thread_delay"`
	TimeLeeway   time.Duration `yaml:"time_leeway"`
	TimeIgnore   time.Duration `yaml:"time_ignore"`
	MaxMsgBytes  int           `yaml:"max_msg_bytes"`
	MaxMsgWorst  int           `yaml:"max_msg_worst"`

	// Runtime controls, equivalent to the original "-nosmsg", "-debugsmsg"
	// and "-smsgscanchain" flags.
	Disabled          bool `yaml:"disabled"`
	DebugTrace        bool `yaml:"debug_trace"`
	ScanChainAtStartup bool `yaml:"scan_chain_at_startup"`
}

// HdrLen is SMSG_HDR_LEN: the fixed header length in bytes (spec section
// 3/6). It is a compile-time constant rather than a config field because
// changing it silently would break every peer's wire decoder regardless of
// what they think their config says.
//
// hash[4] version[1] timestamp[8] iv[16] cpkR[33] destHash[20] mac[32]
// nonse[4] nPayload[4]
const HdrLen = 4 + 1 + 8 + 16 + 33 + 20 + 32 + 4 + 4

// PlHdrLen is SMSG_PL_HDR_LEN: version(1) + keyId(20) + compactSig(65) +
// plainLen(4).
const PlHdrLen = 1 + 20 + 65 + 4

// Default returns the reference deployment constants named in spec
// section 3/6 as design defaults.
func Default() Config {
	return Config{
		DataDir:     defaultDataDir(),
		ListenAddr:  "0.0.0.0:4820",
		Retention:   48 * time.Hour,
		BucketLen:   60 * time.Minute,
		SendDelay:   10 * time.Second,
		ThreadDelay: 30 * time.Second,
		TimeLeeway:  60 * time.Second,
		TimeIgnore:  15 * time.Minute,
		MaxMsgBytes: 24 * 1024,
		// ECIES overhead upper bound for a 24 KiB plaintext: header + sig +
		// keyId + mac + AES block padding, rounded up generously.
		MaxMsgWorst: 24*1024 + PlHdrLen + 128,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".smsg"
	}
	return home + "/.smsg"
}

// Load reads a YAML config file at path and overlays it onto Default().
// A missing file is not an error; defaults are used as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(cfg Config, path string) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

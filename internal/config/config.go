package config

import "time"

// Config holds all client configuration
type Config struct {
	SignalingURL string
	RoomID       string
	Role         string // "tutor" or "student" in call mode; ignored in shadow mode
	Mode         string // "call" or "shadow"
	DisplayName  string

	ICE       ICEConfig
	Call      CallConfig
	Recording RecordingConfig
	Storage   StorageConfig
}

// ICEConfig controls where ICE servers come from.
type ICEConfig struct {
	CredentialURL string
	FetchTimeout  time.Duration
	LocalSTUN     bool // run an embedded STUN server for LAN testing
	LocalSTUNPort int
}

// CallConfig tunes call and shadow session behavior.
type CallConfig struct {
	EndedLinger  time.Duration // how long the ended state lingers before departure
	PollInterval time.Duration // host tutor comprehension poll cadence
}

type RecordingConfig struct {
	Enabled    bool
	OutputPath string
}

// StorageConfig points at an optional S3-compatible store for finished
// recordings. Empty endpoint disables uploads.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL: "ws://localhost:7000/ws",
		Mode:         "call",
		Role:         "student",
		ICE: ICEConfig{
			CredentialURL: "",
			FetchTimeout:  4 * time.Second,
			LocalSTUN:     false,
			LocalSTUNPort: 3478,
		},
		Call: CallConfig{
			EndedLinger:  2 * time.Second,
			PollInterval: 4 * time.Minute,
		},
		Recording: RecordingConfig{
			Enabled:    false,
			OutputPath: "recordings/",
		},
		Storage: StorageConfig{
			Bucket: "call-recordings",
			UseSSL: true,
		},
	}
}

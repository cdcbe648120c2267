// Package servicecheck verifies that the external AI services the platform
// depends on are configured and reachable.
package servicecheck

import (
	"os"
	"strings"
	"time"

	"github.com/synaptica-ai/diagnosis/pkg/common/config"
)

const (
	EnvOpenAIKey   = "VITE_OPENAI_API_KEY"
	EnvPineconeKey = "VITE_PINECONE_API_KEY"
	EnvPineconeEnv = "VITE_PINECONE_ENV"
	EnvWandbKey    = "VITE_WANDB_API_KEY"
)

// RequiredVariables are checked in this order.
var RequiredVariables = []string{EnvOpenAIKey, EnvPineconeKey, EnvPineconeEnv, EnvWandbKey}

type Config struct {
	OpenAIAPIKey        string
	PineconeAPIKey      string
	PineconeEnvironment string
	WandbAPIKey         string

	OpenAIBaseURL string
	WandbBaseURL  string
	PineconeHost  string
	Timeout       time.Duration
}

// ConfigFromEnv reads the service keys through lookup. Each key is read from
// its VITE_ prefixed name first and the unprefixed name second.
func ConfigFromEnv(lookup func(string) (string, bool)) Config {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) string {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		if v, ok := lookup(strings.TrimPrefix(name, "VITE_")); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}
	return Config{
		OpenAIAPIKey:        get(EnvOpenAIKey),
		PineconeAPIKey:      get(EnvPineconeKey),
		PineconeEnvironment: get(EnvPineconeEnv),
		WandbAPIKey:         get(EnvWandbKey),
	}
}

// FromProcess reads the keys from the environment and endpoints and timeout
// from cfg.
func FromProcess(cfg *config.Config) Config {
	c := ConfigFromEnv(os.LookupEnv)
	c.OpenAIBaseURL = cfg.OpenAIBaseURL
	c.WandbBaseURL = cfg.WandbBaseURL
	c.PineconeHost = cfg.PineconeHost
	c.Timeout = cfg.ProbeTimeout
	return c
}

func (c Config) values() map[string]string {
	return map[string]string{
		EnvOpenAIKey:   c.OpenAIAPIKey,
		EnvPineconeKey: c.PineconeAPIKey,
		EnvPineconeEnv: c.PineconeEnvironment,
		EnvWandbKey:    c.WandbAPIKey,
	}
}

// EnvResult lists the required variables that are unset or empty.
type EnvResult struct {
	OK      bool     `json:"ok"`
	Missing []string `json:"missing,omitempty"`
}

// CheckEnvVariables inspects cfg only; it never touches the network.
func CheckEnvVariables(cfg Config) EnvResult {
	values := cfg.values()
	var missing []string
	for _, name := range RequiredVariables {
		if values[name] == "" {
			missing = append(missing, name)
		}
	}
	return EnvResult{OK: len(missing) == 0, Missing: missing}
}

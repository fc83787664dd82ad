package osdk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	BaseURL    string `mapstructure:"baseUrl"`
	APIVersion string `mapstructure:"apiVersion"`
	Token      string `mapstructure:"token"`

	v *viper.Viper // instance-specific viper
}

const (
	EnvPrefix  = "ORCH"
	ConfigName = "orch"
	ConfigRoot = ".orch"

	BaseUrlKey    = "baseUrl"
	ApiVersionKey = "apiVersion"
	TokenKey      = "token"
)

// LoadConfig creates a new Config instance with its own viper. Sources, in
// increasing precedence: orch.yaml in the working directory, the untracked
// .orch/config.yaml, ORCH_* environment variables.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{BaseUrlKey, ApiVersionKey, TokenKey} {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key))
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		for _, name := range []string{"orch.yaml", "orch.yml", ".orch.yaml"} {
			if _, err := os.Stat(name); err == nil {
				v.SetConfigFile(name)
				if err := v.ReadInConfig(); err == nil {
					break
				}
			}
		}

		localConfigPath := filepath.Join(ConfigRoot, "config.yaml")
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging local config: %w", err)
			}
		}
	}

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.v = v
	return &cfg, nil
}

// GetString returns a string value from the underlying viper instance
func (c *Config) GetString(key string) string {
	if c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

// Viper returns the underlying viper instance, for flag binding.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// Refresh re-reads the struct fields from viper, after flags were bound.
func (c *Config) Refresh() error {
	if c.v == nil {
		return nil
	}
	setDefaults(c.v)
	return c.v.Unmarshal(c)
}

func setDefaults(v *viper.Viper) {
	if !v.IsSet(BaseUrlKey) {
		v.SetDefault(BaseUrlKey, "http://localhost:8080")
	} else {
		normalized := strings.TrimRight(v.GetString(BaseUrlKey), "/")
		v.Set(BaseUrlKey, normalized)
	}

	if !v.IsSet(ApiVersionKey) {
		v.SetDefault(ApiVersionKey, "v1")
	}
}

// ConfigFileUsed returns the config file that was used (if any)
func (c *Config) ConfigFileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`

	APIURL         string        `mapstructure:"api_url"`
	AppURL         string        `mapstructure:"app_url"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	VerifyAttempts int           `mapstructure:"verify_attempts"`
	VerifyInterval time.Duration `mapstructure:"verify_interval"`

	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	EndTimeout time.Duration `mapstructure:"end_timeout"`
	MessageTTL time.Duration `mapstructure:"message_ttl"`

	ICEServers   []string `mapstructure:"ice_servers"`
	E2EEStrategy string   `mapstructure:"e2ee_strategy"`

	Control Control `mapstructure:"control"`
	Media   Media   `mapstructure:"media"`
}

// Control configures the local control API. Port 0 disables it.
type Control struct {
	Port         int           `mapstructure:"port"`
	Secret       string        `mapstructure:"secret"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type Media struct {
	Audio        bool    `mapstructure:"audio"`
	Video        bool    `mapstructure:"video"`
	AudioDevice  string  `mapstructure:"audio_device"`
	VideoDevice  string  `mapstructure:"video_device"`
	Width        int     `mapstructure:"width"`
	Height       int     `mapstructure:"height"`
	FrameRate    float64 `mapstructure:"frame_rate"`
	AudioEnabled bool    `mapstructure:"audio_enabled"`
	VideoEnabled bool    `mapstructure:"video_enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("api_url", "https://app.dmeet.org/api")
	v.SetDefault("app_url", "https://app.dmeet.org")
	v.SetDefault("http_timeout", "10s")
	v.SetDefault("verify_attempts", 10)
	v.SetDefault("verify_interval", "1s")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("end_timeout", "2s")
	v.SetDefault("message_ttl", "5s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("e2ee_strategy", "auto")

	v.SetDefault("control.port", 0)
	v.SetDefault("control.secret", "")
	v.SetDefault("control.rate_limit", 20)
	v.SetDefault("control.rate_interval", "10s")

	v.SetDefault("media.audio", true)
	v.SetDefault("media.video", true)
	v.SetDefault("media.width", 640)
	v.SetDefault("media.height", 480)
	v.SetDefault("media.frame_rate", 30)
	v.SetDefault("media.audio_enabled", true)
	v.SetDefault("media.video_enabled", true)
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of defaults. DMEET_*
// environment variables override both, e.g. DMEET_CONTROL_PORT.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("dmeet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.E2EEStrategy {
	case "auto", "streams", "script":
	default:
		return fmt.Errorf("invalid e2ee_strategy %q", c.E2EEStrategy)
	}
	if c.VerifyAttempts < 0 {
		return fmt.Errorf("verify_attempts must not be negative")
	}
	return nil
}

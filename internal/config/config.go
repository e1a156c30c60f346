package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"sqlpilot/internal/core"
)

const keyVar = "SQLPILOT_KEY"

// Config holds all runtime settings. Values come from config.yaml when present,
// with environment variables (and .env) taking precedence.
type Config struct {
	Port         int    `yaml:"port" env:"PORT" env-default:"8080"`
	MasterKey    string `yaml:"-" env:"SQLPILOT_KEY"`
	DataPath     string `yaml:"data_path" env:"SQLPILOT_DB" env-default:"sqlpilot.db"`
	LogDir       string `yaml:"log_dir" env:"LOG_DIR" env-default:"logs"`
	LogLevel     string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	CORSOrigins  string `yaml:"cors_origins" env:"CORS_ORIGINS" env-default:""`
	CookieSecure bool   `yaml:"cookie_secure" env:"COOKIE_SECURE" env-default:"false"`

	// TrustProxyHeaders lets CF-Connecting-IP and X-Forwarded-For name the client. Enable it
	// only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS" env-default:"false"`

	LLM      LLMConfig      `yaml:"llm"`
	Limits   LimitsConfig   `yaml:"limits"`
	SSH      SSHConfig      `yaml:"ssh"`
	Security SecurityConfig `yaml:"security"`

	// RedisURL switches the rate limiter to a shared Redis backend when set.
	RedisURL string `yaml:"redis_url" env:"REDIS_URL" env-default:""`
}

type LLMConfig struct {
	Provider string        `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	Model    string        `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	APIKey   string        `yaml:"-" env:"LLM_API_KEY"`
	BaseURL  string        `yaml:"base_url" env:"LLM_BASE_URL" env-default:""`
	Timeout  time.Duration `yaml:"timeout" env:"LLM_TIMEOUT" env-default:"60s"`
}

type LimitsConfig struct {
	AskPerWindow         int           `yaml:"ask_per_window" env:"ASK_LIMIT" env-default:"20"`
	AskWindow            time.Duration `yaml:"ask_window" env:"ASK_WINDOW" env-default:"5m"`
	TestPerWindow        int           `yaml:"test_per_window" env:"TEST_LIMIT" env-default:"10"`
	TestWindow           time.Duration `yaml:"test_window" env:"TEST_WINDOW" env-default:"1m"`
	LoginPerWindow       int           `yaml:"login_per_window" env:"LOGIN_LIMIT" env-default:"5"`
	MaxTrackedIdentities int           `yaml:"max_identities" env:"MAX_TRACKED_IDENTITIES" env-default:"10000"`
	QueryTimeout         time.Duration `yaml:"query_timeout" env:"QUERY_TIMEOUT" env-default:"30s"`
	StatementTimeout     time.Duration `yaml:"statement_timeout" env:"STATEMENT_TIMEOUT" env-default:"20s"`
	MaxFetchRows         int           `yaml:"max_fetch_rows" env:"MAX_FETCH_ROWS" env-default:"10000"`
}

type SSHConfig struct {
	KnownHostsPath string        `yaml:"known_hosts" env:"SSH_KNOWN_HOSTS" env-default:""`
	DialTimeout    time.Duration `yaml:"dial_timeout" env:"SSH_DIAL_TIMEOUT" env-default:"15s"`
}

type SecurityConfig struct {
	// MaxPolicy caps the policy any target may request.
	MaxPolicy core.Policy `yaml:"max_policy" env:"MAX_POLICY" env-default:"strict"`
}

// Load reads .env, config.yaml and the environment, generating and persisting a master key
// when none is configured.
func Load() (*Config, error) {
	// Try loading .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	if _, statErr := os.Stat("config.yaml"); statErr == nil {
		err = cleanenv.ReadConfig("config.yaml", cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	if len(cfg.MasterKey) < 32 {
		fmt.Println(keyVar + " not found or too short. Generating a new secure key...")
		newKey, err := generateRandomKey(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		if err := saveKeyToEnv(".env", newKey); err != nil {
			fmt.Printf("Warning: Failed to save generated key to .env: %v\n", err)
		} else {
			fmt.Println("New " + keyVar + " saved to .env file.")
		}
		cfg.MasterKey = newKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that the env-default tags cannot express.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLM.Provider)
	}
	switch c.Security.MaxPolicy {
	case core.PolicyStrict, core.PolicyMedium, core.PolicyPermissive:
	default:
		return fmt.Errorf("unsupported MAX_POLICY %q", c.Security.MaxPolicy)
	}
	if c.Limits.AskPerWindow < 1 || c.Limits.TestPerWindow < 1 || c.Limits.LoginPerWindow < 1 {
		return errors.New("rate limits must be positive")
	}
	if c.Limits.StatementTimeout <= 0 || c.Limits.QueryTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Limits.StatementTimeout > c.Limits.QueryTimeout {
		return errors.New("STATEMENT_TIMEOUT must not exceed QUERY_TIMEOUT")
	}
	return nil
}

func generateRandomKey(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func saveKeyToEnv(filename, key string) error {
	content, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return os.WriteFile(filename, []byte(fmt.Sprintf("%s=%s\nPORT=8080\n", keyVar, key)), 0600)
	} else if err != nil {
		return err
	}

	lines := strings.Split(decodeEnvFile(content), "\n")
	found := false
	newLines := []string{}
	for _, line := range lines {
		trimmed := strings.TrimSpace(strings.ReplaceAll(line, "\x00", ""))
		if strings.HasPrefix(trimmed, keyVar+"=") {
			newLines = append(newLines, fmt.Sprintf("%s=%s", keyVar, key))
			found = true
		} else if trimmed != "" {
			newLines = append(newLines, trimmed)
		}
	}
	if !found {
		newLines = append(newLines, fmt.Sprintf("%s=%s", keyVar, key))
	}

	return os.WriteFile(filename, []byte(strings.Join(newLines, "\n")+"\n"), 0600)
}

// decodeEnvFile returns the file as UTF-8. Editors on Windows sometimes save .env as UTF-16LE,
// with or without a BOM.
func decodeEnvFile(content []byte) string {
	hasBOM := len(content) >= 2 && content[0] == 0xff && content[1] == 0xfe

	nullCount := 0
	if !hasBOM && len(content) > 10 {
		for _, b := range content {
			if b == 0 {
				nullCount++
			}
		}
	}
	implicit := !hasBOM && len(content) > 0 && float64(nullCount)/float64(len(content)) > 0.3
	if !hasBOM && !implicit {
		return string(content)
	}

	data := content
	if hasBOM {
		data = content[2:]
	}
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	u16s := make([]uint16, len(data)/2)
	for i := range u16s {
		u16s[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return string(utf16.Decode(u16s))
}

package config

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlpilot/internal/core"
)

func validConfig() *Config {
	return &Config{
		Port: 8080,
		LLM:  LLMConfig{Provider: "openai"},
		Limits: LimitsConfig{
			AskPerWindow:     20,
			TestPerWindow:    10,
			LoginPerWindow:   5,
			QueryTimeout:     30 * time.Second,
			StatementTimeout: 20 * time.Second,
		},
		Security: SecurityConfig{MaxPolicy: core.PolicyStrict},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Port = 0 }, "invalid PORT"},
		{"bad provider", func(c *Config) { c.LLM.Provider = "bard" }, "LLM_PROVIDER"},
		{"bad policy", func(c *Config) { c.Security.MaxPolicy = "yolo" }, "MAX_POLICY"},
		{"zero limit", func(c *Config) { c.Limits.AskPerWindow = 0 }, "rate limits"},
		{"statement longer than query", func(c *Config) { c.Limits.StatementTimeout = time.Minute }, "STATEMENT_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveKeyToEnv_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	require.NoError(t, saveKeyToEnv(path, "abc"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "SQLPILOT_KEY=abc")
	assert.Contains(t, string(content), "PORT=8080")
}

func TestSaveKeyToEnv_ReplacesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9000\nSQLPILOT_KEY=short\n"), 0600))

	require.NoError(t, saveKeyToEnv(path, "newkey"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(content), "SQLPILOT_KEY="))
	assert.Contains(t, string(content), "SQLPILOT_KEY=newkey")
	assert.Contains(t, string(content), "PORT=9000")
}

func TestSaveKeyToEnv_UTF16File(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	u16 := utf16.Encode([]rune("PORT=9000\r\n"))
	buf := []byte{0xff, 0xfe}
	for _, c := range u16 {
		buf = binary.LittleEndian.AppendUint16(buf, c)
	}
	require.NoError(t, os.WriteFile(path, buf, 0600))

	require.NoError(t, saveKeyToEnv(path, "k"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PORT=9000\nSQLPILOT_KEY=k\n", string(content))
}

func TestGenerateRandomKey(t *testing.T) {
	a, err := generateRandomKey(32)
	require.NoError(t, err)
	b, err := generateRandomKey(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 32)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "challenge:\n  name: test\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Fatalf("listen %q", cfg.Server.Listen)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level %q", cfg.Logging.Level)
	}
	if cfg.Challenge.AuthType != AuthNone {
		t.Fatalf("auth type %q", cfg.Challenge.AuthType)
	}
}

func TestLoadTrimsSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
challenge:
  auth_type: "CTFd "
  ctfd:
    url: "https://ctfd.example.com"
    secret_key: "pasted-secret   "
    flag: " CTF{x} "
    redis:
      addr: "localhost:6379"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Challenge.AuthType != AuthCtfd {
		t.Fatalf("auth type %q not trimmed", cfg.Challenge.AuthType)
	}
	if cfg.Challenge.Ctfd.SecretKey != "pasted-secret" {
		t.Fatalf("secret %q not trimmed", cfg.Challenge.Ctfd.SecretKey)
	}
	if cfg.Challenge.Ctfd.Flag != "CTF{x}" {
		t.Fatalf("flag %q not trimmed", cfg.Challenge.Ctfd.Flag)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "none mode, no blocks",
			mutate: func(c *Config) { c.Challenge.AuthType = AuthNone },
		},
		{
			name: "unknown mode",
			mutate: func(c *Config) {
				c.Challenge.AuthType = "Kerberos"
			},
			wantErr: "not a known mode",
		},
		{
			name: "ctfd block without ctfd mode",
			mutate: func(c *Config) {
				c.Challenge.AuthType = AuthNone
				c.Challenge.Ctfd = &CtfdCfg{SecretKey: "x"}
			},
			wantErr: "auth_type is not CTFd",
		},
		{
			name: "ctfd mode without block",
			mutate: func(c *Config) {
				c.Challenge.AuthType = AuthCtfd
			},
			wantErr: "no ctfd settings block",
		},
		{
			name: "ctfd mode without secret",
			mutate: func(c *Config) {
				c.Challenge.AuthType = AuthCtfd
				c.Challenge.Ctfd = &CtfdCfg{URL: "http://x", Redis: RedisCfg{Addr: "localhost:6379"}}
			},
			wantErr: "secret_key is required",
		},
		{
			name: "ctfd mode without redis",
			mutate: func(c *Config) {
				c.Challenge.AuthType = AuthCtfd
				c.Challenge.Ctfd = &CtfdCfg{URL: "http://x", SecretKey: "s"}
			},
			wantErr: "redis.addr is required",
		},
		{
			name: "home mode without secret",
			mutate: func(c *Config) {
				c.Challenge.AuthType = AuthChallengeHome
				c.Challenge.ChallengeHome = &ChallengeHomeCfg{}
			},
			wantErr: "secret_key is required",
		},
		{
			name: "home mode valid",
			mutate: func(c *Config) {
				c.Challenge.AuthType = AuthChallengeHome
				c.Challenge.ChallengeHome = &ChallengeHomeCfg{SecretKey: "s"}
			},
		},
		{
			name: "human scorer missing key",
			mutate: func(c *Config) {
				c.Challenge.AuthType = AuthNone
				c.Challenge.HumanScorer = &HumanScorerCfg{Endpoint: "http://x"}
			},
			wantErr: "human_scorer",
		},
		{
			name: "regex scorer bad pattern",
			mutate: func(c *Config) {
				c.Challenge.AuthType = AuthNone
				c.Challenge.Scorer = &ScorerCfg{IsRegex: true, Instruction: "("}
			},
			wantErr: "not a valid pattern",
		},
		{
			name: "negative lock_after",
			mutate: func(c *Config) {
				c.Challenge.AuthType = AuthNone
				c.Challenge.RagInput = &RagInputCfg{LockAfter: -1}
			},
			wantErr: "lock_after",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthType selects which authentication mode the resolver runs in.
// Exactly one mode is active for the lifetime of the process.
type AuthType string

const (
	AuthNone          AuthType = "None"
	AuthCtfd          AuthType = "CTFd"
	AuthChallengeHome AuthType = "ChallengeHome"
)

type ServerCfg struct {
	Listen         string `yaml:"listen"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type RedisCfg struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CtfdCfg configures the external-cookie-trust mode and flag submission
// against a CTFd scoreboard.
type CtfdCfg struct {
	URL         string   `yaml:"url"`
	ChallengeID int      `yaml:"challenge_id"`
	Flag        string   `yaml:"flag"`
	SecretKey   string   `yaml:"secret_key"`
	RedirectURL string   `yaml:"redirect_url"`
	Redis       RedisCfg `yaml:"redis"`
}

// ChallengeHomeCfg configures signed-session validation against the
// challenge home service. Only the shared secret is needed; the session
// payload is self-contained.
type ChallengeHomeCfg struct {
	SecretKey string `yaml:"secret_key"`
}

type HumanScorerCfg struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	// CallbackBase is this service's externally reachable base URL; the
	// scorer posts verdicts back to <CallbackBase>/chats/{id}/scoring/receive.
	CallbackBase string `yaml:"callback_base"`
}

type ScorerCfg struct {
	IsRegex         bool   `yaml:"is_regex"`
	IsCaseSensitive bool   `yaml:"is_case_sensitive"`
	Instruction     string `yaml:"instruction"`
	Metaprompt      string `yaml:"metaprompt"`
	SuccessMessage  string `yaml:"success_message"`
}

type RagInputCfg struct {
	TitleShort       string `yaml:"title_short"`
	TitleLong        string `yaml:"title_long"`
	Instruction1     string `yaml:"instruction1"`
	Instruction2     string `yaml:"instruction2"`
	DefaultDocument  string `yaml:"default_document"`
	DocumentTemplate string `yaml:"document_template"`
	FirstMessage     string `yaml:"first_message"`
	IsReadOnly       bool   `yaml:"is_read_only"`
	LockAfter        int    `yaml:"lock_after"`
}

// ChallengeCfg is the process-wide challenge definition. Optional
// sub-blocks are nil when the corresponding integration is disabled.
type ChallengeCfg struct {
	ID          int    `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	AuthType AuthType `yaml:"auth_type"`

	MetapromptLeak bool `yaml:"metaprompt_leak"`
	Upload         bool `yaml:"upload"`
	Plugins        bool `yaml:"plugins"`
	PluginsControl bool `yaml:"plugins_control"`
	PlanEdit       bool `yaml:"plan_edit"`
	XssVulnerable  bool `yaml:"xss_vulnerable"`
	BackNavigation bool `yaml:"back_navigation"`

	Ctfd          *CtfdCfg          `yaml:"ctfd"`
	ChallengeHome *ChallengeHomeCfg `yaml:"challenge_home"`
	HumanScorer   *HumanScorerCfg   `yaml:"human_scorer"`
	Scorer        *ScorerCfg        `yaml:"scorer"`
	RagInput      *RagInputCfg      `yaml:"rag_input"`
}

type ServiceCfg struct {
	// ResponseTimeoutS bounds a single bot-response generation. 0 means
	// no timeout.
	ResponseTimeoutS   int    `yaml:"response_timeout_s"`
	CompletionEndpoint string `yaml:"completion_endpoint"`
	InitialBotMessage  string `yaml:"initial_bot_message"`
}

type Config struct {
	Server    ServerCfg    `yaml:"server"`
	Logging   LoggingCfg   `yaml:"logging"`
	Challenge ChallengeCfg `yaml:"challenge"`
	Service   ServiceCfg   `yaml:"service"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.trim()
	// defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 5000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 120000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Challenge.AuthType == "" {
		cfg.Challenge.AuthType = AuthNone
	}
	return &cfg, nil
}

// trim removes stray whitespace from user-supplied string fields.
// Secrets and flags pasted from a browser routinely pick up a trailing
// newline that would otherwise break signature validation.
func (c *Config) trim() {
	t := strings.TrimSpace
	c.Server.Listen = t(c.Server.Listen)
	c.Logging.Level = t(c.Logging.Level)
	c.Challenge.AuthType = AuthType(t(string(c.Challenge.AuthType)))
	c.Challenge.Name = t(c.Challenge.Name)
	c.Challenge.Description = t(c.Challenge.Description)
	c.Service.CompletionEndpoint = t(c.Service.CompletionEndpoint)
	c.Service.InitialBotMessage = t(c.Service.InitialBotMessage)
	if ct := c.Challenge.Ctfd; ct != nil {
		ct.URL = t(ct.URL)
		ct.Flag = t(ct.Flag)
		ct.SecretKey = t(ct.SecretKey)
		ct.RedirectURL = t(ct.RedirectURL)
		ct.Redis.Addr = t(ct.Redis.Addr)
	}
	if ch := c.Challenge.ChallengeHome; ch != nil {
		ch.SecretKey = t(ch.SecretKey)
	}
	if hs := c.Challenge.HumanScorer; hs != nil {
		hs.Endpoint = t(hs.Endpoint)
		hs.APIKey = t(hs.APIKey)
		hs.CallbackBase = t(hs.CallbackBase)
	}
	if sc := c.Challenge.Scorer; sc != nil {
		sc.Instruction = t(sc.Instruction)
		sc.SuccessMessage = t(sc.SuccessMessage)
	}
	if rg := c.Challenge.RagInput; rg != nil {
		rg.TitleShort = t(rg.TitleShort)
		rg.TitleLong = t(rg.TitleLong)
	}
}

// Validate enforces the startup invariants. Any error here is fatal:
// a mismatched auth mode would silently authenticate nobody (or
// everybody), so the process must refuse to start.
func (c *Config) Validate() error {
	ch := &c.Challenge
	switch ch.AuthType {
	case AuthNone, AuthCtfd, AuthChallengeHome:
	default:
		return fmt.Errorf("challenge.auth_type %q is not a known mode", ch.AuthType)
	}
	if ch.Ctfd != nil && ch.AuthType != AuthCtfd {
		return errors.New("ctfd settings are present but challenge.auth_type is not CTFd")
	}
	if ch.ChallengeHome != nil && ch.AuthType != AuthChallengeHome {
		return errors.New("challenge_home settings are present but challenge.auth_type is not ChallengeHome")
	}
	if ch.AuthType == AuthCtfd {
		if ch.Ctfd == nil {
			return errors.New("challenge.auth_type is CTFd but no ctfd settings block is present")
		}
		if ch.Ctfd.SecretKey == "" {
			return errors.New("ctfd.secret_key is required when challenge.auth_type is CTFd")
		}
		if ch.Ctfd.URL == "" {
			return errors.New("ctfd.url is required when challenge.auth_type is CTFd")
		}
		if ch.Ctfd.Redis.Addr == "" {
			return errors.New("ctfd.redis.addr is required when challenge.auth_type is CTFd")
		}
	}
	if ch.AuthType == AuthChallengeHome {
		if ch.ChallengeHome == nil || ch.ChallengeHome.SecretKey == "" {
			return errors.New("challenge_home.secret_key is required when challenge.auth_type is ChallengeHome")
		}
	}
	if hs := ch.HumanScorer; hs != nil {
		if hs.Endpoint == "" || hs.APIKey == "" {
			return errors.New("human_scorer.endpoint and human_scorer.api_key are both required")
		}
	}
	if sc := ch.Scorer; sc != nil && sc.IsRegex {
		if _, err := regexp.Compile(sc.Instruction); err != nil {
			return fmt.Errorf("scorer.instruction is not a valid pattern: %w", err)
		}
	}
	if rg := ch.RagInput; rg != nil && rg.LockAfter < 0 {
		return errors.New("rag_input.lock_after must be >= 0")
	}
	return nil
}

func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Service.ResponseTimeoutS) * time.Second
}

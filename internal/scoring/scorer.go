package scoring

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"promptctf/webapi/internal/config"
	"promptctf/webapi/internal/ctfd"
	"promptctf/webapi/internal/metrics"
)

// contentPlaceholder is the slot in the judge metaprompt that receives
// the scoring payload.
const contentPlaceholder = "{{Content}}"

// Verdict markers the judge model is instructed to emit. Matching is
// case-insensitive; the same markers are stripped from the scored
// message first so a chat reply cannot forge a verdict.
const (
	markerTrue  = "[true]"
	markerFalse = "[false]"
)

// Outcome of scoring one bot reply.
type Outcome struct {
	Passed bool
	// Reason is the judge's explanation with the verdict marker
	// stripped. Always empty for regex rules.
	Reason string
	// Message is the scorer announcement to append to the chat. Empty
	// unless Passed.
	Message string
}

// FlagSubmitter is the slice of the ctfd client the engine needs.
type FlagSubmitter interface {
	SubmitFlag(ctx context.Context, chatID string, creds *ctfd.Credentials) bool
	ScorerMessage() string
}

// Engine evaluates bot replies against the challenge goal.
type Engine struct {
	cfg       *config.ScorerCfg
	completer Completer
	flags     FlagSubmitter
	pattern   *regexp.Regexp
	log       zerolog.Logger
}

// NewEngine builds the engine. Config errors here are logged, not
// fatal: a broken scorer degrades to "never passes" rather than taking
// the challenge down. (The regex itself is pre-validated by
// config.Validate, so compile cannot fail on a validated config.)
func NewEngine(cfg *config.ScorerCfg, completer Completer, flags FlagSubmitter, log zerolog.Logger) *Engine {
	e := &Engine{cfg: cfg, completer: completer, flags: flags, log: log}
	if cfg == nil {
		return e
	}
	if cfg.IsRegex {
		expr := cfg.Instruction
		if !cfg.IsCaseSensitive {
			expr = "(?i)" + expr
		}
		p, err := regexp.Compile(expr)
		if err != nil {
			log.Error().Err(err).Msg("scorer pattern does not compile; auto scoring disabled")
		} else {
			e.pattern = p
		}
	} else if !strings.Contains(cfg.Metaprompt, contentPlaceholder) {
		log.Error().Str("placeholder", contentPlaceholder).Msg("scorer metaprompt is missing the content placeholder")
	}
	return e
}

func (e *Engine) Enabled() bool { return e.cfg != nil }

// Score evaluates content and, on a pass, submits the flag with the
// supplied credentials and composes the announcement message.
// Evaluation errors fail the attempt; they never propagate to the chat
// flow.
func (e *Engine) Score(ctx context.Context, chatID, content string, creds *ctfd.Credentials) Outcome {
	if !e.Enabled() {
		return Outcome{}
	}
	passed, reason, err := e.evaluate(ctx, content)
	if err != nil {
		e.log.Error().Err(err).Str("chat_id", chatID).Msg("scoring failed")
		metrics.AutoScorer.WithLabelValues("error").Inc()
		return Outcome{}
	}
	if !passed {
		metrics.AutoScorer.WithLabelValues("failure").Inc()
		return Outcome{Reason: reason}
	}
	metrics.AutoScorer.WithLabelValues("success").Inc()
	e.log.Info().Str("chat_id", chatID).Msg("chat passed auto scoring")
	if e.flags != nil {
		e.flags.SubmitFlag(ctx, chatID, creds)
	}
	return Outcome{Passed: true, Reason: reason, Message: e.SuccessMessage()}
}

// SuccessMessage composes the chat announcement for a pass, including
// the flag-disclosure hint when a scoreboard is configured.
func (e *Engine) SuccessMessage() string {
	msg := "**Scorer message**: " + e.cfg.SuccessMessage
	if e.flags != nil {
		msg += e.flags.ScorerMessage()
	}
	return msg
}

func (e *Engine) evaluate(ctx context.Context, content string) (bool, string, error) {
	if e.cfg.IsRegex {
		if e.pattern == nil {
			return false, "", nil
		}
		return e.pattern.MatchString(content), "", nil
	}
	prompt := strings.Replace(e.cfg.Metaprompt, contentPlaceholder, e.judgePayload(content), 1)
	comp, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		return false, "", err
	}
	metrics.TokensUsed.Add(float64(comp.TotalTokens))

	start, _ := indexFold(comp.Text, markerTrue)
	hasTrue := start >= 0
	start, _ = indexFold(comp.Text, markerFalse)
	hasFalse := start >= 0
	reason := strings.TrimSpace(stripFold(stripFold(comp.Text, markerTrue), markerFalse))
	// The pass marker wins when the judge emits both; "[true], and not
	// [false]" is a verbose pass, not an ambiguity.
	switch {
	case hasTrue:
		return true, reason, nil
	case hasFalse:
		return false, reason, nil
	default:
		e.log.Warn().Str("reply", comp.Text).Msg("judge reply carried no verdict marker")
		return false, "", nil
	}
}

// judgePayload renders the {goal, message} JSON handed to the judge,
// with verdict markers stripped out of the message first.
func (e *Engine) judgePayload(content string) string {
	payload := struct {
		Goal    string `json:"goal"`
		Message string `json:"message"`
	}{
		Goal:    e.cfg.Instruction,
		Message: stripFold(stripFold(content, markerTrue), markerFalse),
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// stripFold removes every case-insensitive occurrence of sub from s.
func stripFold(s, sub string) string { return replaceFold(s, sub, "") }

// replaceFold replaces every case-insensitive occurrence of old in s
// with repl. Matching is rune-aware: case folding can change a rune's
// byte width (Kelvin sign vs 'k'), so byte offsets into s and into its
// lowered copy must never be mixed.
func replaceFold(s, old, repl string) string {
	if old == "" {
		return s
	}
	var b strings.Builder
	for {
		start, end := indexFold(s, old)
		if start < 0 {
			if b.Len() == 0 {
				return s
			}
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:start])
		b.WriteString(repl)
		s = s[end:]
	}
}

// indexFold returns the byte bounds in s of the first case-insensitive
// occurrence of sub, or (-1, -1). The matched window may span a
// different byte count than sub.
func indexFold(s, sub string) (int, int) {
	want := []rune(strings.ToLower(sub))
	if len(want) == 0 {
		return -1, -1
	}
	for i := 0; i < len(s); {
		j := i
		matched := true
		for _, wr := range want {
			r, size := utf8.DecodeRuneInString(s[j:])
			if size == 0 || unicode.ToLower(r) != wr {
				matched = false
				break
			}
			j += size
		}
		if matched {
			return i, j
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return -1, -1
}

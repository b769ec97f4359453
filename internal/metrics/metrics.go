package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Users = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptctf_user_total",
			Help: "Unique users seen by this challenge instance",
		},
	)
	UserSession = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "promptctf_user_session_seconds",
			Help: "Length of realtime relay sessions",
		},
	)
	ChatMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptctf_chat_message_total",
			Help: "Messages sent to the bot",
		},
	)
	ChatsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptctf_chat_total",
			Help: "Chat sessions created",
		},
	)
	ChatsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptctf_chat_deleted_total",
			Help: "Chat sessions soft-deleted",
		},
	)
	AutoScorer = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptctf_auto_scorer_total",
			Help: "Auto scorer outcomes (includes the XSS scorer)",
		},
		[]string{"result"},
	)
	ManualScorer = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptctf_manual_scorer_total",
			Help: "Manual scorer verdicts",
		},
		[]string{"result"},
	)
	ManualScorerRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptctf_manual_scorer_request_total",
			Help: "Review requests forwarded to the human scorer",
		},
	)
	TokensUsed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptctf_token_total",
			Help: "Completion tokens consumed by the judge model",
		},
	)
	FlagSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptctf_flag_submission_total",
			Help: "Flag submission attempts against the scoreboard",
		},
		[]string{"result"},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "promptctf_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		Users, UserSession, ChatMessages, ChatsCreated, ChatsDeleted,
		AutoScorer, ManualScorer, ManualScorerRequests, TokensUsed,
		FlagSubmissions, BuildInfo,
	)
}

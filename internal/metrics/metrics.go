// Package metrics records chat session statistics with Prometheus collectors.
// There is no HTTP endpoint; a session can dump its registry to a textfile
// for the node_exporter textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stop reasons reported by RecordReply.
const (
	ReasonStop      = "stop"
	ReasonLength    = "length"
	ReasonInterrupt = "interrupt"
)

// Recorder owns a private registry so sessions and tests do not share state.
type Recorder struct {
	reg *prometheus.Registry

	Prompts         prometheus.Counter
	PromptTokens    prometheus.Counter
	GeneratedTokens prometheus.Counter
	Replies         *prometheus.CounterVec
	LoRAMerges      prometheus.Counter
	ReplyDuration   prometheus.Histogram
	TokensPerSecond prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		reg: reg,
		Prompts: factory.NewCounter(prometheus.CounterOpts{
			Name: "litchat_prompts_total",
			Help: "Prompts submitted in the session",
		}),
		PromptTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "litchat_prompt_tokens_total",
			Help: "Tokens fed to the model as prompts",
		}),
		GeneratedTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "litchat_generated_tokens_total",
			Help: "Tokens generated and printed",
		}),
		Replies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "litchat_replies_total",
			Help: "Replies by the reason generation ended",
		}, []string{"reason"}),
		LoRAMerges: factory.NewCounter(prometheus.CounterOpts{
			Name: "litchat_lora_merges_total",
			Help: "LoRA adapters merged into base weights",
		}),
		ReplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "litchat_reply_duration_seconds",
			Help:    "Wall time to generate a reply",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		TokensPerSecond: factory.NewGauge(prometheus.GaugeOpts{
			Name: "litchat_tokens_per_second",
			Help: "Throughput of the most recent reply",
		}),
	}
}

// Registry exposes the collectors for gathering.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) RecordPrompt(tokens int) {
	r.Prompts.Inc()
	r.PromptTokens.Add(float64(tokens))
}

func (r *Recorder) RecordReply(tokens int, elapsed time.Duration, reason string) {
	r.GeneratedTokens.Add(float64(tokens))
	r.Replies.WithLabelValues(reason).Inc()
	r.ReplyDuration.Observe(elapsed.Seconds())
	if secs := elapsed.Seconds(); secs > 0 {
		r.TokensPerSecond.Set(float64(tokens) / secs)
	}
}

func (r *Recorder) RecordMerge() { r.LoRAMerges.Inc() }

// WriteTextfile writes the current values in the Prometheus text format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}

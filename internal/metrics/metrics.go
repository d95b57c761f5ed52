package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests       *prometheus.CounterVec
	ProviderErrors     prometheus.Counter
	QuotaRejections    prometheus.Counter
	BurstRejections    prometheus.Counter
	Transcriptions     prometheus.Counter
	NoSpeechResults    prometheus.Counter
	VerificationEmails prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zackai",
				Name:      "chat_requests_total",
				Help:      "Completed chat exchanges by tier mode",
			}, []string{"mode"}),
			ProviderErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zackai",
				Name:      "provider_errors_total",
				Help:      "Model provider calls that failed or returned empty",
			}),
			QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zackai",
				Name:      "quota_rejections_total",
				Help:      "Free-tier requests rejected by the rolling daily quota",
			}),
			BurstRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zackai",
				Name:      "burst_rejections_total",
				Help:      "Requests rejected by the hourly burst limiter",
			}),
			Transcriptions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zackai",
				Name:      "transcriptions_total",
				Help:      "Audio transcription calls performed",
			}),
			NoSpeechResults: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zackai",
				Name:      "no_speech_results_total",
				Help:      "Transcriptions that detected no speech",
			}),
			VerificationEmails: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zackai",
				Name:      "verification_emails_total",
				Help:      "Verification code emails sent",
			}),
		}
		prometheus.MustRegister(
			global.ChatRequests,
			global.ProviderErrors,
			global.QuotaRejections,
			global.BurstRejections,
			global.Transcriptions,
			global.NoSpeechResults,
			global.VerificationEmails,
		)
	})
	return global
}

// Package metrics регистрирует счётчики Prometheus для оркестрации примерок.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics содержит счётчики доменных событий сервиса.
type Metrics struct {
	SessionsCreated   *prometheus.CounterVec
	SessionsFinished  *prometheus.CounterVec
	CreditsDeducted   prometheus.Counter
	CreditsRefunded   prometheus.Counter
	QuotaReservations prometheus.Counter
	WebhookAttempts   prometheus.Counter
	WebhookFailures   prometheus.Counter
}

// New создаёт и регистрирует счётчики в указанном реестре.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tryon_sessions_created_total",
			Help: "Число созданных сессий примерки по виду.",
		}, []string{"kind"}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tryon_sessions_finished_total",
			Help: "Число завершённых сессий по конечному статусу.",
		}, []string{"status"}),
		CreditsDeducted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_credits_deducted_total",
			Help: "Сумма списанных кредитов.",
		}),
		CreditsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_credits_refunded_total",
			Help: "Сумма возвращённых кредитов.",
		}),
		QuotaReservations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_quota_reservations_total",
			Help: "Число сессий, оплаченных квотой подписки.",
		}),
		WebhookAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_webhook_attempts_total",
			Help: "Число попыток доставки вебхуков.",
		}),
		WebhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_webhook_failures_total",
			Help: "Число неудачных попыток доставки вебхуков.",
		}),
	}

	reg.MustRegister(
		m.SessionsCreated,
		m.SessionsFinished,
		m.CreditsDeducted,
		m.CreditsRefunded,
		m.QuotaReservations,
		m.WebhookAttempts,
		m.WebhookFailures,
	)

	return m
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Manager owns the Prometheus registry and the service's counters.
type Manager struct {
	registry *prometheus.Registry

	licensesIssued *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	mailProcessed  *prometheus.CounterVec
	emailsSent     prometheus.Counter
}

func NewManager() *Manager {
	registry := prometheus.NewRegistry()

	m := &Manager{
		registry: registry,
		licensesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_licenses_issued_total",
			Help: "License issuance requests by result (created, existing).",
		}, []string{"result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_verifications_total",
			Help: "License verification requests by outcome.",
		}, []string{"outcome"}),
		mailProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_mail_messages_total",
			Help: "Inbound order emails by result (processed, skipped, failed).",
		}, []string{"result"}),
		emailsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keygate_license_emails_sent_total",
			Help: "Outbound license delivery emails sent.",
		}),
	}

	registry.MustRegister(m.licensesIssued, m.verifications, m.mailProcessed, m.emailsSent)

	log.Debug().Msg("Metrics manager initialized")

	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) RecordIssuance(existing bool) {
	result := "created"
	if existing {
		result = "existing"
	}
	m.licensesIssued.WithLabelValues(result).Inc()
}

func (m *Manager) RecordVerification(outcome string) {
	m.verifications.WithLabelValues(outcome).Inc()
}

func (m *Manager) RecordMailMessage(result string) {
	m.mailProcessed.WithLabelValues(result).Inc()
}

func (m *Manager) RecordEmailSent() {
	m.emailsSent.Inc()
}

// Package metrics содержит вспомогательные prometheus-метрики детектора шаринга.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinesParsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharewatch_lines_parsed_total",
		Help: "Количество успешно разобранных строк лога.",
	})

	LinesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharewatch_lines_rejected_total",
		Help: "Количество отклонённых строк лога по причине отказа.",
	}, []string{"reason"})

	IngestErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharewatch_ingest_errors_total",
		Help: "Количество ошибок ввода-вывода на ingest-соединениях.",
	})

	UsersTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharewatch_users_tracked",
		Help: "Число пользователей, за которыми сейчас ведётся наблюдение.",
	})

	ViolatorsCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharewatch_violators_count",
		Help: "Число пользователей в стадии violator или banlisted.",
	})

	ConnectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharewatch_connected_nodes",
		Help: "Число нод с открытым ingest-соединением.",
	})

	NotifyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharewatch_notify_failures_total",
		Help: "Количество неудачных попыток отправки уведомления.",
	})

	PersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharewatch_persist_failures_total",
		Help: "Количество неудачных попыток записи в постоянное хранилище банлиста.",
	})
)

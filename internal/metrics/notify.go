package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notifyPublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cvboard",
		Subsystem: "notify",
		Name:      "published_total",
		Help:      "按状态统计的任务通知发布总数。",
	},
	[]string{"status"},
)

// NotifyPublished 记录一次任务状态通知的发布。
func NotifyPublished(status string) {
	notifyPublishedTotal.WithLabelValues(status).Inc()
}

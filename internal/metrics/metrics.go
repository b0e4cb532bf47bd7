// ============================================================================
// Raksha-Sync Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露同步代理的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 佇列計數器 (Counter)：
//      - raksha_mutations_enqueued_total{kind}
//      - raksha_mutations_delivered_total{kind}
//      - raksha_mutations_failed_total{kind}
//      - raksha_mutations_dropped_total{kind,reason}
//      - raksha_direct_sends_total{kind,result}   result = sent | queued | error
//      - raksha_storage_errors_total{op}
//
//   2. 狀態指標 (Gauge)：
//      - raksha_queue_depth{kind}
//      - raksha_online                           1 = online
//
//   3. 重放與快取：
//      - raksha_drains_total / raksha_drain_duration_seconds
//      - raksha_connectivity_transitions_total{transition}
//      - raksha_shell_cache_requests_total{result}   result = hit | miss | stored | fallback
//      - raksha_shell_install_duration_seconds{result}
//
//   4. 其他：
//      - raksha_sos_triggered_total
//      - raksha_push_received_total
//      - raksha_recommendation_fallbacks_total
//
// Prometheus 查詢示例:
//
//   # 積壓中的 mutation
//   sum(raksha_queue_depth)
//
//   # 重放失敗率
//   rate(raksha_mutations_failed_total[5m]) / rate(raksha_mutations_delivered_total[5m])
//
// 所有 Record* / Set* 方法對 nil *Collector 都是安全的 no-op，
// 未啟用 metrics 時各模組可直接傳 nil
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "raksha"

// Collector Prometheus 指標收集器
type Collector struct {
	// 佇列相關指標
	enqueued      *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	failed        *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	directSends   *prometheus.CounterVec
	storageErrors *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec

	// 連線與重放
	online        prometheus.Gauge
	transitions   *prometheus.CounterVec
	drains        prometheus.Counter
	drainDuration prometheus.Histogram

	// Shell 快取
	cacheRequests   *prometheus.CounterVec
	installDuration *prometheus.HistogramVec

	sos                     prometheus.Counter
	pushReceived            prometheus.Counter
	recommendationFallbacks prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	var g prometheus.Gatherer = prometheus.DefaultGatherer
	if reg, ok := prometheus.DefaultRegisterer.(*prometheus.Registry); ok {
		g = reg
	}
	return NewCollectorWith(prometheus.DefaultRegisterer, g)
}

// NewCollectorWith 使用指定的 registerer 建立收集器
func NewCollectorWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_enqueued_total",
			Help:      "Total number of mutations stored in the local queue",
		}, []string{"kind"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_delivered_total",
			Help:      "Total number of queued mutations delivered by replay",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_failed_total",
			Help:      "Total number of failed replay attempts",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_dropped_total",
			Help:      "Total number of queued mutations discarded",
		}, []string{"kind", "reason"}),
		directSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "direct_sends_total",
			Help:      "User actions by dispatch result",
		}, []string{"kind", "result"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Local store failures swallowed by the queue",
		}, []string{"op"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of queued mutations",
		}, []string{"kind"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the device is considered online",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_transitions_total",
			Help:      "Connectivity state transitions",
		}, []string{"transition"}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_total",
			Help:      "Completed queue drains",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Queue drain duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shell_cache_requests_total",
			Help:      "Shell fetches by cache result",
		}, []string{"result"}),
		installDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shell_install_duration_seconds",
			Help:      "Shell install (manifest prefetch) duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		sos: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sos_triggered_total",
			Help:      "Long-press SOS activations",
		}),
		pushReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_received_total",
			Help:      "Push payloads received",
		}),
		recommendationFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendation_fallbacks_total",
			Help:      "Recommendation requests answered from the static fallback",
		}),
		gatherer: gatherer,
	}

	// 註冊所有指標
	reg.MustRegister(
		c.enqueued, c.delivered, c.failed, c.dropped, c.directSends, c.storageErrors,
		c.queueDepth, c.online, c.transitions, c.drains, c.drainDuration,
		c.cacheRequests, c.installDuration, c.sos, c.pushReceived, c.recommendationFallbacks,
	)
	return c
}

// Handler 回傳 /metrics 端點的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// RecordEnqueue 記錄 mutation 加入佇列
func (c *Collector) RecordEnqueue(kind types.MutationKind) {
	if c == nil {
		return
	}
	c.enqueued.WithLabelValues(string(kind)).Inc()
}

// RecordDelivered 記錄重放送達
func (c *Collector) RecordDelivered(kind types.MutationKind) {
	if c == nil {
		return
	}
	c.delivered.WithLabelValues(string(kind)).Inc()
}

// RecordFailed 記錄重放失敗（項目保留）
func (c *Collector) RecordFailed(kind types.MutationKind) {
	if c == nil {
		return
	}
	c.failed.WithLabelValues(string(kind)).Inc()
}

// RecordDropped 記錄項目被丟棄
func (c *Collector) RecordDropped(kind types.MutationKind, reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(string(kind), reason).Inc()
}

// RecordDirectSend 記錄使用者動作的派送結果
func (c *Collector) RecordDirectSend(kind types.MutationKind, result string) {
	if c == nil {
		return
	}
	c.directSends.WithLabelValues(string(kind), result).Inc()
}

// RecordStorageError 記錄被吞掉的儲存錯誤
func (c *Collector) RecordStorageError(op string) {
	if c == nil {
		return
	}
	c.storageErrors.WithLabelValues(op).Inc()
}

// SetQueueDepth 更新佇列深度
func (c *Collector) SetQueueDepth(kind types.MutationKind, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(string(kind)).Set(float64(n))
}

// SetOnline 更新連線狀態
func (c *Collector) SetOnline(online bool) {
	if c == nil {
		return
	}
	if online {
		c.online.Set(1)
	} else {
		c.online.Set(0)
	}
}

// RecordTransition 記錄連線狀態轉換
func (c *Collector) RecordTransition(t types.Transition) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(t)).Inc()
}

// ObserveDrain 記錄一次重放
func (c *Collector) ObserveDrain(outcome types.DrainOutcome) {
	if c == nil {
		return
	}
	c.drains.Inc()
	c.drainDuration.Observe(outcome.Duration.Seconds())
}

// RecordCacheResult 記錄 shell 快取結果：hit, miss, stored, fallback
func (c *Collector) RecordCacheResult(result string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(result).Inc()
}

// ObserveInstall 記錄 shell 安裝耗時
func (c *Collector) ObserveInstall(d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.installDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordSOS 記錄長按 SOS 觸發
func (c *Collector) RecordSOS() {
	if c == nil {
		return
	}
	c.sos.Inc()
}

// RecordPushReceived 記錄收到推播
func (c *Collector) RecordPushReceived() {
	if c == nil {
		return
	}
	c.pushReceived.Inc()
}

// RecordRecommendationFallback 記錄建議改用內建備援
func (c *Collector) RecordRecommendationFallback() {
	if c == nil {
		return
	}
	c.recommendationFallbacks.Inc()
}

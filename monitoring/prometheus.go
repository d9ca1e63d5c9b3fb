package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mezonai/blockclique/logx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type OpRejectedReason string

var (
	OpValidityTooFar OpRejectedReason = "validity_too_far"
	OpExpired        OpRejectedReason = "expired"
	OpDuplicated     OpRejectedReason = "duplicated"
	OpPoolFull       OpRejectedReason = "pool_full"
	OpRejectedOther  OpRejectedReason = "other"
)

type nodePromMetrics struct {
	nodeUpUnixSeconds  prometheus.Gauge
	finalPeriod        *prometheus.GaugeVec
	blockcliqueSize    prometheus.Gauge
	cliqueCount        prometheus.Gauge
	integratedBlocks   prometheus.Counter
	discardedBlocks    *prometheus.CounterVec
	finalizedBlocks    prometheus.Counter
	executedSlots      *prometheus.CounterVec
	executionRollbacks prometheus.Counter
	rolledBackSlots    prometheus.Histogram
	slotExecutionTime  prometheus.Histogram
	poolSize           *prometheus.GaugeVec
	rejectedOpCount    *prometheus.CounterVec
	createdBlocks      prometheus.Counter
	panicCount         prometheus.Counter
	timeToFinality     prometheus.Histogram
}

func newNodePromMetrics() *nodePromMetrics {
	return &nodePromMetrics{
		nodeUpUnixSeconds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockclique_node_up_timestamp_unix_seconds",
				Help: "Unix timestamp of the node",
			},
		),
		finalPeriod: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blockclique_final_period",
				Help: "Period of the latest final block per thread",
			},
			[]string{"thread"},
		),
		blockcliqueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockclique_blockclique_size",
				Help: "Number of non-final blocks in the blockclique",
			},
		),
		cliqueCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockclique_clique_count",
				Help: "Number of maximal cliques kept by the graph",
			},
		),
		integratedBlocks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blockclique_integrated_blocks_total",
				Help: "The total number of blocks that became active",
			},
		),
		discardedBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockclique_discarded_blocks_total",
				Help: "The total number of discarded blocks",
			},
			[]string{"reason"},
		),
		finalizedBlocks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blockclique_finalized_blocks_total",
				Help: "The total number of blocks that became final",
			},
		),
		executedSlots: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockclique_executed_slots_total",
				Help: "The total number of executed slots",
			},
			[]string{"kind"},
		),
		executionRollbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blockclique_execution_rollbacks_total",
				Help: "The total number of speculative history truncations",
			},
		),
		rolledBackSlots: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blockclique_rolled_back_slots",
				Help:    "Number of speculative slots dropped per rollback",
				Buckets: prometheus.LinearBuckets(1, 2, 10),
			},
		),
		slotExecutionTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name: "blockclique_slot_execution_seconds",
				Help: "Duration in second of one slot execution",
			},
		),
		poolSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blockclique_pool_size",
				Help: "The pending operations per thread",
			},
			[]string{"thread"},
		),
		rejectedOpCount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockclique_rejected_operation_count",
				Help: "The total number of operations refused by the pool",
			},
			[]string{"reason"},
		),
		createdBlocks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blockclique_created_blocks_total",
				Help: "The total number of blocks produced by this node",
			},
		),
		panicCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blockclique_panic_count",
				Help: "The total number of recovered panics",
			},
		),
		timeToFinality: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name: "blockclique_time_to_finality_seconds",
				Help: "Latency in second from the block slot start until the block is final",
			},
		),
	}
}

// registered once per process on the default registry
var nodeMetrics = newNodePromMetrics()

// InitMetrics stamps the node start time
func InitMetrics() {
	nodeMetrics.nodeUpUnixSeconds.SetToCurrentTime()
}

func RegisterMetrics(mux *http.ServeMux) {
	logx.Info("MONITORING", "Registering prometheus metrics")
	mux.Handle("/metrics", promhttp.Handler())
}

func SetFinalPeriods(periods []uint64) {
	for t, p := range periods {
		nodeMetrics.finalPeriod.With(prometheus.Labels{"thread": strconv.Itoa(t)}).Set(float64(p))
	}
}

func SetBlockcliqueSize(size int) {
	nodeMetrics.blockcliqueSize.Set(float64(size))
}

func SetCliqueCount(count int) {
	nodeMetrics.cliqueCount.Set(float64(count))
}

func AddIntegratedBlocks(n int) {
	nodeMetrics.integratedBlocks.Add(float64(n))
}

func RecordDiscardedBlock(reason string) {
	nodeMetrics.discardedBlocks.With(prometheus.Labels{"reason": reason}).Inc()
}

func AddFinalizedBlocks(n int) {
	nodeMetrics.finalizedBlocks.Add(float64(n))
}

func RecordExecutedSlot(final bool, duration time.Duration) {
	kind := "speculative"
	if final {
		kind = "final"
	}
	nodeMetrics.executedSlots.With(prometheus.Labels{"kind": kind}).Inc()
	nodeMetrics.slotExecutionTime.Observe(duration.Seconds())
}

func RecordRollback(droppedSlots int) {
	nodeMetrics.executionRollbacks.Inc()
	nodeMetrics.rolledBackSlots.Observe(float64(droppedSlots))
}

func SetPoolSize(thread uint8, size int) {
	nodeMetrics.poolSize.With(prometheus.Labels{"thread": strconv.Itoa(int(thread))}).Set(float64(size))
}

func RecordRejectedOperation(reason OpRejectedReason) {
	nodeMetrics.rejectedOpCount.With(prometheus.Labels{"reason": string(reason)}).Inc()
}

func IncreaseCreatedBlocks() {
	nodeMetrics.createdBlocks.Inc()
}

func IncreasePanicCount() {
	nodeMetrics.panicCount.Inc()
}

func RecordTimeToFinality(duration time.Duration) {
	nodeMetrics.timeToFinality.Observe(duration.Seconds())
}

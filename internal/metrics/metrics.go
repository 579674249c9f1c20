package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roomchat/go-chat-server/internal/logging"
)

// Prometheus collectors
var (
	TCPAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_accepted_total",
		Help: "Total TCP connections accepted.",
	})
	TCPRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rejected_total",
		Help: "Total connections rejected over the client capacity limit.",
	})
	TCPDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_disconnected_total",
		Help: "Total connections closed by the reactor (EOF, errors, overflow, shutdown).",
	})
	PacketsRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packets_rx_total",
		Help: "Total packets decoded from client byte streams.",
	})
	PacketsTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packets_tx_total",
		Help: "Total packets queued into client send buffers.",
	})
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protocol_errors_total",
		Help: "Total framing violations (undersize or oversize length field).",
	})
	ChatBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcasts_total",
		Help: "Total chat packets fanned out to room members.",
	})
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_drops_total",
		Help: "Total broadcasts dropped because the relayed payload would exceed the packet limit.",
	})
	SendOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "send_overflows_total",
		Help: "Total connections disconnected because their send buffer could not absorb a packet.",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_connections",
		Help: "Current number of open client connections.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Current number of live sessions.",
	})
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_rooms",
		Help: "Current number of created rooms (slots are never destroyed).",
	})
	BroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_fanout",
		Help: "Number of recipients targeted in the most recent broadcast.",
	})
	LogicQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logic_queue_depth",
		Help: "Jobs currently queued from the reactor to the workers.",
	})
	IOQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "io_queue_depth",
		Help: "Send jobs currently queued from the workers to the reactor.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrListen = "listen"
	ErrAccept = "accept"
	ErrRead   = "tcp_read"
	ErrWrite  = "tcp_write"
	ErrPoller = "poller"
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe at
// /ready on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for periodic log snapshots (avoids scraping the
// in-process Prometheus registry).
var (
	localAccepted     uint64
	localRejected     uint64
	localDisconnected uint64
	localPacketsRx    uint64
	localPacketsTx    uint64
	localProtoErrs    uint64
	localBroadcasts   uint64
	localBcastDrops   uint64
	localOverflows    uint64
	localErrors       uint64
	localConnections  uint64
	localSessions     uint64
	localRooms        uint64
	localFanout       uint64
	localLogicDepth   uint64
	localIODepth      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Accepted        uint64
	Rejected        uint64
	Disconnected    uint64
	PacketsRx       uint64
	PacketsTx       uint64
	ProtocolErrors  uint64
	Broadcasts      uint64
	BroadcastDrops  uint64
	SendOverflows   uint64
	Errors          uint64
	Connections     uint64
	Sessions        uint64
	Rooms           uint64
	Fanout          uint64
	LogicQueueDepth uint64
	IOQueueDepth    uint64
}

func Snap() Snapshot {
	return Snapshot{
		Accepted:        atomic.LoadUint64(&localAccepted),
		Rejected:        atomic.LoadUint64(&localRejected),
		Disconnected:    atomic.LoadUint64(&localDisconnected),
		PacketsRx:       atomic.LoadUint64(&localPacketsRx),
		PacketsTx:       atomic.LoadUint64(&localPacketsTx),
		ProtocolErrors:  atomic.LoadUint64(&localProtoErrs),
		Broadcasts:      atomic.LoadUint64(&localBroadcasts),
		BroadcastDrops:  atomic.LoadUint64(&localBcastDrops),
		SendOverflows:   atomic.LoadUint64(&localOverflows),
		Errors:          atomic.LoadUint64(&localErrors),
		Connections:     atomic.LoadUint64(&localConnections),
		Sessions:        atomic.LoadUint64(&localSessions),
		Rooms:           atomic.LoadUint64(&localRooms),
		Fanout:          atomic.LoadUint64(&localFanout),
		LogicQueueDepth: atomic.LoadUint64(&localLogicDepth),
		IOQueueDepth:    atomic.LoadUint64(&localIODepth),
	}
}

// Wrapper helpers to keep call sites simple.
func IncAccepted() {
	TCPAccepted.Inc()
	atomic.AddUint64(&localAccepted, 1)
}

func IncRejected() {
	TCPRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncDisconnected() {
	TCPDisconnected.Inc()
	atomic.AddUint64(&localDisconnected, 1)
}

func IncPacketsRx() {
	PacketsRx.Inc()
	atomic.AddUint64(&localPacketsRx, 1)
}

func IncPacketsTx() {
	PacketsTx.Inc()
	atomic.AddUint64(&localPacketsTx, 1)
}

func IncProtocolError() {
	ProtocolErrors.Inc()
	atomic.AddUint64(&localProtoErrs, 1)
}

func IncBroadcast() {
	ChatBroadcasts.Inc()
	atomic.AddUint64(&localBroadcasts, 1)
}

func IncBroadcastDrop() {
	BroadcastDrops.Inc()
	atomic.AddUint64(&localBcastDrops, 1)
}

func IncSendOverflow() {
	SendOverflows.Inc()
	atomic.AddUint64(&localOverflows, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func SetConnections(n int) {
	ActiveConnections.Set(float64(n))
	atomic.StoreUint64(&localConnections, uint64(n))
}

func SetSessions(n int) {
	ActiveSessions.Set(float64(n))
	atomic.StoreUint64(&localSessions, uint64(n))
}

func SetRooms(n int) {
	ActiveRooms.Set(float64(n))
	atomic.StoreUint64(&localRooms, uint64(n))
}

func SetBroadcastFanout(n int) {
	BroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// SetQueueDepths records a sample of both queue depths.
func SetQueueDepths(logic, io int) {
	LogicQueueDepth.Set(float64(logic))
	IOQueueDepth.Set(float64(io))
	atomic.StoreUint64(&localLogicDepth, uint64(logic))
	atomic.StoreUint64(&localIODepth, uint64(io))
}

// InitBuildInfo sets the build info gauge (called once at startup) and
// pre-registers the error label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrListen, ErrAccept, ErrRead, ErrWrite, ErrPoller} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the function backing /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: treat as ready so the endpoint doesn't flap
		return true
	}
	return fn()
}

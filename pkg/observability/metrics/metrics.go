package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    // Transport
    TransportDials = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "kvcluster",
        Subsystem: "transport",
        Name:      "dials_total",
        Help:      "Connection attempts by result",
    }, []string{"result"})
    TransportReconnects = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "kvcluster",
        Subsystem: "transport",
        Name:      "reconnects_scheduled_total",
        Help:      "Total number of scheduled reconnect attempts",
    })
    TransportConnected = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "kvcluster",
        Subsystem: "transport",
        Name:      "connected",
        Help:      "Number of currently connected transports",
    })
    TransportBufferedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "kvcluster",
        Subsystem: "transport",
        Name:      "buffered_bytes",
        Help:      "Bytes held in disconnected write buffers",
    })
    TransportBufferOverflows = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "kvcluster",
        Subsystem: "transport",
        Name:      "buffer_overflows_total",
        Help:      "Writes rejected because the disconnected buffer was full",
    })

    // Pipeline
    PipelineCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "kvcluster",
        Subsystem: "pipeline",
        Name:      "calls_total",
        Help:      "Settled calls by result",
    }, []string{"result"})
    PipelineInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "kvcluster",
        Subsystem: "pipeline",
        Name:      "in_flight",
        Help:      "Calls waiting for a reply across all pipelines",
    })
    PipelineFlushes = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "kvcluster",
        Subsystem: "pipeline",
        Name:      "flushes_total",
        Help:      "Batched writes handed to the transport",
    })
    PipelineProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "kvcluster",
        Subsystem: "pipeline",
        Name:      "protocol_errors_total",
        Help:      "Encode/decode failures that forced a reconnect",
    }, []string{"side"})
    PipelinePushes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "kvcluster",
        Subsystem: "pipeline",
        Name:      "pushes_total",
        Help:      "Out-of-band push frames by kind",
    }, []string{"kind"})
    Subscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "kvcluster",
        Subsystem: "pubsub",
        Name:      "subscriptions",
        Help:      "Active subscription keys by registry",
    }, []string{"registry"})

    // Cluster
    ClusterRedirects = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "kvcluster",
        Subsystem: "cluster",
        Name:      "redirects_total",
        Help:      "Redirect replies followed, by kind",
    }, []string{"kind"})
    ClusterRebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "kvcluster",
        Subsystem: "cluster",
        Name:      "rebuilds_total",
        Help:      "Topology rebuild attempts by result",
    }, []string{"result"})
    ClusterRouteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "kvcluster",
        Subsystem: "cluster",
        Name:      "route_failures_total",
        Help:      "Calls that failed in the routing state machine, by reason",
    }, []string{"reason"})
    ClusterNodes = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "kvcluster",
        Subsystem: "cluster",
        Name:      "nodes",
        Help:      "Nodes in the current topology snapshot",
    })
    ClusterPipelines = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "kvcluster",
        Subsystem: "cluster",
        Name:      "pipelines",
        Help:      "Open node pipelines",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(TransportDials)
        prometheus.MustRegister(TransportReconnects)
        prometheus.MustRegister(TransportConnected)
        prometheus.MustRegister(TransportBufferedBytes)
        prometheus.MustRegister(TransportBufferOverflows)
        prometheus.MustRegister(PipelineCalls)
        prometheus.MustRegister(PipelineInFlight)
        prometheus.MustRegister(PipelineFlushes)
        prometheus.MustRegister(PipelineProtocolErrors)
        prometheus.MustRegister(PipelinePushes)
        prometheus.MustRegister(Subscriptions)
        // cluster
        prometheus.MustRegister(ClusterRedirects)
        prometheus.MustRegister(ClusterRebuilds)
        prometheus.MustRegister(ClusterRouteFailures)
        prometheus.MustRegister(ClusterNodes)
        prometheus.MustRegister(ClusterPipelines)
    })
}

// Package metrics registra las métricas Prometheus del gateway y expone
// el handler de /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once
	registerErr  error

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInflight        *prometheus.GaugeVec

	// Protocolo de login
	loginCompletedTotal *prometheus.CounterVec
	idpRequestDuration  *prometheus.HistogramVec
	relationNotifyTotal *prometheus.CounterVec
)

// Register inicializa y registra las métricas. Devuelve el handler para
// /metrics. Registrar dos veces no es error.
func Register(registry prometheus.Registerer, pool func() *pgxpool.Pool) (http.Handler, error) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Número total de requests procesadas",
		}, []string{"method", "path", "status"})

		httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Latencia de los requests HTTP",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})

		httpInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Requests en vuelo por método y ruta",
		}, []string{"method", "path"})

		loginCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "login_completed_total",
			Help: "Logins terminados por resultado y código de error",
		}, []string{"result", "error_code"}) // result: success|failure

		idpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idp_request_duration_seconds",
			Help:    "Latencia de llamadas al broker de identidad",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"op"}) // op: fetch_token|logout

		relationNotifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relation_notify_total",
			Help: "Notificaciones de relaciones al servicio downstream",
		}, []string{"result"}) // result: ok|failed

		for _, c := range []prometheus.Collector{
			httpRequestsTotal, httpRequestDuration, httpInflight,
			loginCompletedTotal, idpRequestDuration, relationNotifyTotal,
		} {
			if err := register(registry, c); err != nil {
				registerErr = err
				return
			}
		}
	})
	if registerErr != nil {
		return nil, registerErr
	}

	if pool != nil {
		if err := register(registry, newPoolCollector(pool)); err != nil {
			return nil, err
		}
	}

	return promhttp.Handler(), nil
}

func register(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

// ObserveHTTP alimenta las métricas HTTP; lo llama el middleware.
func ObserveHTTP(method, path string, status int, d time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	if status == 0 {
		status = 200
	}
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// InflightHTTP marca entrada/salida de un request en vuelo.
func InflightHTTP(method, path string, delta float64) {
	if httpInflight == nil {
		return
	}
	httpInflight.WithLabelValues(method, path).Add(delta)
}

// ObserveLogin registra el desenlace de un login. code queda vacío en
// los exitosos.
func ObserveLogin(success bool, code string) {
	if loginCompletedTotal == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	loginCompletedTotal.WithLabelValues(result, code).Inc()
}

// ObserveIdP registra la latencia de una llamada al broker.
func ObserveIdP(op string, d time.Duration) {
	if idpRequestDuration == nil {
		return
	}
	idpRequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveRelationNotify registra el resultado de una notificación.
func ObserveRelationNotify(ok bool) {
	if relationNotifyTotal == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	relationNotifyTotal.WithLabelValues(result).Inc()
}

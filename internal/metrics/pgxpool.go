package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPgxPoolMetrics exposes connection pool statistics as gauges. Both
// the API and the worker register their own pool; saturation here usually
// shows up first as slow lease claims.
func RegisterPgxPoolMetrics(pool *pgxpool.Pool) {
	stat := func(read func(*pgxpool.Stat) int32) func() float64 {
		return func() float64 { return float64(read(pool.Stat())) }
	}

	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_acquired_conns",
			Help: "Connections currently checked out of the pool",
		}, stat(func(s *pgxpool.Stat) int32 { return s.AcquiredConns() })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns",
			Help: "Connections sitting idle in the pool",
		}, stat(func(s *pgxpool.Stat) int32 { return s.IdleConns() })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_total_conns",
			Help: "Open connections, acquired plus idle plus constructing",
		}, stat(func(s *pgxpool.Stat) int32 { return s.TotalConns() })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_max_conns",
			Help: "Configured pool size ceiling",
		}, stat(func(s *pgxpool.Stat) int32 { return s.MaxConns() })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_empty_acquire_total",
			Help: "Acquires that had to wait for a free connection",
		}, func() float64 { return float64(pool.Stat().EmptyAcquireCount()) }),
	)
}

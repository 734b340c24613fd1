// Package ops exposes the operational HTTP surface: health, engine status,
// and Prometheus metrics.
package ops

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpgrid/internal/health"
	"perpgrid/internal/manager"
)

type Server struct {
	checker *health.Checker
	status  func() manager.Status
	srv     *http.Server
}

func NewServer(listen string, checker *health.Checker, status func() manager.Status) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		checker: checker,
		status:  status,
		srv: &http.Server{
			Addr:              listen,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.srv.Handler }

func (s *Server) Start() {
	go func() {
		log.Printf("level=INFO event=ops_listening addr=%s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("level=ERROR event=ops_server_failed err=%v", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	report := s.checker.Check(healthStatus(s.status()))
	code := http.StatusOK
	if !report.OK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.status()
	payload := gin.H{
		"run_id":        st.RunID,
		"has_center":    st.HasCenter,
		"active_orders": st.ActiveOrders,
	}
	if st.HasCenter {
		payload["center_price"] = st.CenterPrice.String()
	}
	addTime := func(key string, t time.Time) {
		if !t.IsZero() {
			payload[key] = t.UTC().Format(time.RFC3339Nano)
		}
	}
	addTime("last_quote_at", st.LastQuoteAt)
	addTime("last_order_update_at", st.LastOrderUpdateAt)
	addTime("last_position_update_at", st.LastPositionUpdateAt)
	addTime("last_maintenance_at", st.LastMaintenanceAt)
	addTime("last_reconcile_at", st.LastReconcileAt)
	c.JSON(http.StatusOK, payload)
}

func healthStatus(st manager.Status) health.Status {
	return health.Status{
		CenterPrice:          st.CenterPrice,
		HasCenter:            st.HasCenter,
		LastQuoteAt:          st.LastQuoteAt,
		LastOrderUpdateAt:    st.LastOrderUpdateAt,
		LastPositionUpdateAt: st.LastPositionUpdateAt,
		LastMaintenanceAt:    st.LastMaintenanceAt,
		LastReconcileAt:      st.LastReconcileAt,
	}
}

package receiver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Admin is the operational HTTP surface of a handoff listener: prometheus
// metrics and a liveness endpoint.
type Admin struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *zap.Logger
}

func NewAdmin(port int, logger *zap.Logger) *Admin {
	router := &mux.Router{}
	stdLoggerWrapper, _ := zap.NewStdLogAt(logger, zap.ErrorLevel)
	a := &Admin{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Handler:      router,
			ErrorLog:     stdLoggerWrapper,
		},
		router: router,
		logger: logger,
	}
	a.routes()
	return a
}

func (a *Admin) routes() {
	a.router.Handle("/metrics", promhttp.Handler())
	a.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
}

// Start runs the admin server until ctx is canceled.
func (a *Admin) Start(ctx context.Context) (err error) {
	go func() {
		if err = a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("serving handoff admin endpoint", zap.Error(err))
		}
	}()

	a.logger.With(zap.String("address", a.httpServer.Addr)).Info("serving handoff admin endpoint")
	<-ctx.Done()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = a.httpServer.Shutdown(ctxShutdown); err != nil {
		return err
	}
	return nil
}

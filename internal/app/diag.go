package app

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"

	"jobloop/internal/config"
	"jobloop/internal/diag"
	"jobloop/internal/scheduler"
	logx "jobloop/pkg/logx"
)

const defaultInfoRuns = 20

func mapDiagConfig(dc config.DiagnosticsConfig) (diag.Config, bool) {
	if !dc.Enabled {
		return diag.Config{}, false
	}
	return diag.Config{
		Addr:          dc.Addr,
		Token:         dc.Token,
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
	}, true
}

// newDiagServer mounts the job endpoints:
//
//	GET  /status
//	GET  /jobs/{name}?runs=N
//	POST /jobs/{name}/start
//	POST /jobs/{name}/cancel
func (a *App) newDiagServer(cfg diag.Config, log logx.Logger) *diag.Server {
	s := diag.New(cfg, log)

	s.HandleJSON("GET /status", func(*http.Request) (any, int) {
		return a.Status(), http.StatusOK
	})

	s.HandleJSON("GET /jobs/{name}", func(r *http.Request) (any, int) {
		runs := defaultInfoRuns
		if raw := r.URL.Query().Get("runs"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return diag.ErrorBody{Error: "runs: " + err.Error()}, http.StatusBadRequest
			}
			runs = n
		}
		info, err := a.mgr.GetInfo(r.PathValue("name"), runs)
		if err != nil {
			return errorBody(err)
		}
		return info, http.StatusOK
	})

	s.HandleJSON("POST /jobs/{name}/start", func(r *http.Request) (any, int) {
		started, err := a.mgr.ManualStart(r.PathValue("name"))
		if err != nil {
			return errorBody(err)
		}
		return map[string]bool{"started": started}, http.StatusOK
	})

	s.HandleJSON("POST /jobs/{name}/cancel", func(r *http.Request) (any, int) {
		canceled, err := a.mgr.Cancel(r.PathValue("name"))
		if err != nil {
			return errorBody(err)
		}
		return map[string]bool{"canceled": canceled}, http.StatusOK
	})
	return s
}

func errorBody(err error) (any, int) {
	code := http.StatusBadRequest
	if errors.Is(err, scheduler.ErrJobNotFound) {
		code = http.StatusNotFound
	}
	return diag.ErrorBody{Error: err.Error()}, code
}

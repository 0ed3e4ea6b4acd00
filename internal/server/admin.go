package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/processor"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/stats"
)

// AdminServer is the operator surface: config lifecycle, report dumps,
// restricted queries and the engine's own metrics.
type AdminServer struct {
	proc     *processor.Processor
	recorder *stats.Recorder
}

// NewAdminServer wires the admin API.
func NewAdminServer(proc *processor.Processor, recorder *stats.Recorder) *AdminServer {
	return &AdminServer{proc: proc, recorder: recorder}
}

// Router builds the HTTP route table.
func (s *AdminServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/configs/{uid}/{id}", s.handleConfigUpdate).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/v1/configs/{uid}/{id}", s.handleConfigRemove).Methods(http.MethodDelete)
	r.HandleFunc("/v1/configs/{uid}", s.handleActiveConfigs).Methods(http.MethodGet)
	r.HandleFunc("/v1/reports/{uid}/{id}", s.handleDumpReport).Methods(http.MethodGet)
	r.HandleFunc("/v1/metrics-size/{uid}/{id}", s.handleMetricsSize).Methods(http.MethodGet)
	r.HandleFunc("/v1/query", s.handleQuery).Methods(http.MethodPost)
	r.Handle("/metrics", s.recorder.Handler()).Methods(http.MethodGet)
	return r
}

func parseKey(r *http.Request) (config.Key, bool) {
	vars := mux.Vars(r)
	uid, err1 := strconv.ParseInt(vars["uid"], 10, 32)
	id, err2 := strconv.ParseInt(vars["id"], 10, 64)
	if err1 != nil || err2 != nil {
		return config.Key{}, false
	}
	return config.Key{UID: int32(uid), ID: id}, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *AdminServer) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad config key")
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.ID = key.ID
	modular := r.URL.Query().Get("modular") == "true"
	if err := s.proc.OnConfigUpdated(nowElapsed(s), nowWall(s), key, cfg, raw, modular); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleConfigRemove(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad config key")
		return
	}
	s.proc.OnConfigRemoved(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleActiveConfigs(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseInt(mux.Vars(r)["uid"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad uid")
		return
	}
	ids := s.proc.GetActiveConfigs(int32(uid))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]int64{"active_config_ids": ids})
}

func (s *AdminServer) handleDumpReport(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad config key")
		return
	}
	includePartial := r.URL.Query().Get("include_partial") != "false"
	erase := r.URL.Query().Get("erase") != "false"
	payload, err := s.proc.OnDumpReport(key, nowElapsed(s), nowWall(s), includePartial, erase, report.ReasonGetData)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(payload); err != nil {
		log.Errorf("Failed to write report payload: %v", err)
	}
}

func (s *AdminServer) handleMetricsSize(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad config key")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"bytes": s.proc.GetMetricsSize(key)})
}

type queryRequest struct {
	SQL              string `json:"sql"`
	MinClientVersion int32  `json:"min_client_version"`
	ConfigID         int64  `json:"config_id"`
	ConfigPackage    string `json:"config_package"`
	CallingUid       int32  `json:"calling_uid"`
}

type queryResponse struct {
	Rows        []string `json:"rows,omitempty"`
	ColumnNames []string `json:"column_names,omitempty"`
	ColumnTypes []string `json:"column_types,omitempty"`
	RowCount    int      `json:"row_count"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

type httpQueryCallback struct {
	resp queryResponse
	fail bool
}

func (c *httpQueryCallback) SendResults(queryData []string, columnNames []string, columnTypes []string, rowCount int) {
	c.resp = queryResponse{Rows: queryData, ColumnNames: columnNames, ColumnTypes: columnTypes, RowCount: rowCount}
}

func (c *httpQueryCallback) SendFailure(reason string, code processor.InvalidQueryReason) {
	c.resp = queryResponse{Error: reason, ErrorCode: string(code)}
	c.fail = true
}

func (s *AdminServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed query request")
		return
	}
	cb := &httpQueryCallback{}
	s.proc.QuerySql(req.SQL, req.MinClientVersion, cb, req.ConfigID, req.ConfigPackage, req.CallingUid)
	w.Header().Set("Content-Type", "application/json")
	if cb.fail {
		w.WriteHeader(http.StatusBadRequest)
	}
	json.NewEncoder(w).Encode(cb.resp)
}

// The admin surface stamps report timestamps with the processor's clock.
func nowElapsed(s *AdminServer) int64 {
	return s.proc.ClockElapsedNs()
}

func nowWall(s *AdminServer) int64 {
	return s.proc.ClockWallNs()
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/engine"
	"github.com/vsariola/patchbay/instance"
	"github.com/vsariola/patchbay/version"
)

type (
	server struct {
		engine *engine.Engine
		log    *slog.Logger
	}

	openRequest struct {
		Path string `json:"path"`
		Name string `json:"name"`
		Dir  string `json:"dir"`
	}

	fileRequest struct {
		Path string `json:"path"`
		// Channel of the file to load; "mix" averages all channels.
		Channel string `json:"channel,omitempty"`
	}

	messageResponse struct {
		Channel string `json:"channel"`
		Kind    string `json:"kind"`
		Value   any    `json:"value"`
	}
)

const maxWait = 30 * time.Second

func newRouter(e *engine.Engine, log *slog.Logger) *mux.Router {
	s := &server{engine: e, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleInfo).Methods("GET")
	r.HandleFunc("/start", s.handleStart).Methods("POST")
	r.HandleFunc("/stop", s.handleStop).Methods("POST")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/devices", s.handleDevices).Methods("GET")
	r.HandleFunc("/patches", s.handlePatches).Methods("GET")
	r.HandleFunc("/patches", s.handleOpen).Methods("POST")
	r.HandleFunc("/patches/{dollarZero:[0-9]+}", s.handleClose).Methods("DELETE")
	r.HandleFunc("/send/{channel}", s.handleSend).Methods("POST")
	r.HandleFunc("/messages/{channel}", s.handleMessages).Methods("GET")
	r.HandleFunc("/arrays", s.handleArrays).Methods("GET")
	r.HandleFunc("/arrays/{name}", s.handleReadArray).Methods("GET")
	r.HandleFunc("/arrays/{name}", s.handleWriteArray).Methods("PUT")
	r.HandleFunc("/arrays/{name}/load", s.handleLoadArray).Methods("POST")
	r.HandleFunc("/arrays/{name}/save", s.handleSaveArray).Methods("POST")
	return r
}

func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	now, err := s.engine.CurrentTime()
	if s.fail(w, err) {
		return
	}
	s.reply(w, http.StatusOK, map[string]any{
		"engine":  s.engine.ID().String(),
		"version": version.Current,
		"state":   s.engine.State().String(),
		"time":    now,
	})
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.fail(w, s.engine.Start()) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.fail(w, s.engine.Stop()) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.reply(w, http.StatusOK, s.engine.Stats())
}

func (s *server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.engine.Devices()
	if !s.fail(w, err) {
		s.reply(w, http.StatusOK, devices)
	}
}

func (s *server) handlePatches(w http.ResponseWriter, r *http.Request) {
	patches, err := s.engine.Patches()
	if !s.fail(w, err) {
		s.reply(w, http.StatusOK, patches)
	}
}

func (s *server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON input", http.StatusBadRequest)
		return
	}
	var p *instance.Patch
	var err error
	if req.Path != "" {
		p, err = s.engine.OpenPath(req.Path)
	} else {
		p, err = s.engine.Open(req.Name, req.Dir)
	}
	if s.fail(w, err) {
		return
	}
	status := http.StatusCreated
	if !p.Valid {
		status = http.StatusNotFound
	}
	s.reply(w, status, p)
}

func (s *server) handleClose(w http.ResponseWriter, r *http.Request) {
	dz, _ := strconv.Atoi(mux.Vars(r)["dollarZero"])
	p, ok, err := s.engine.Lookup(dz)
	if s.fail(w, err) {
		return
	}
	if !ok {
		http.Error(w, fmt.Sprintf("no open patch with $0=%d", dz), http.StatusNotFound)
		return
	}
	if !s.fail(w, s.engine.Close(p)) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var v any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			http.Error(w, "invalid JSON input", http.StatusBadRequest)
			return
		}
	}
	channel := mux.Vars(r)["channel"]
	var err error
	if at := r.URL.Query().Get("at"); at != "" {
		t, perr := strconv.ParseFloat(at, 64)
		if perr != nil {
			http.Error(w, "invalid time", http.StatusBadRequest)
			return
		}
		err = s.engine.SendAt(channel, v, t)
	} else {
		err = s.engine.Send(channel, v)
	}
	if !s.fail(w, err) {
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleMessages waits for the next message on a channel.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	timeout := time.Second
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d < 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = min(d, maxWait)
	}
	channel := mux.Vars(r)["channel"]
	c, sub, err := s.engine.Channel(channel, 1)
	if s.fail(w, err) {
		return
	}
	defer s.engine.Unsubscribe(channel, sub)
	m, ok := s.engine.Await(c, timeout)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.reply(w, http.StatusOK, messageResponse{Channel: channel, Kind: m.Kind.String(), Value: m.Value()})
}

func (s *server) handleArrays(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.Arrays()
	if !s.fail(w, err) {
		s.reply(w, http.StatusOK, names)
	}
}

func (s *server) handleReadArray(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	size, err := s.engine.ArraySize(name)
	if s.fail(w, err) {
		return
	}
	data := make([]float32, size)
	ok, err := s.engine.ReadArray(name, data, size, 0)
	if s.fail(w, err) {
		return
	}
	if !ok {
		http.Error(w, "no such array", http.StatusNotFound)
		return
	}
	s.reply(w, http.StatusOK, data)
}

func (s *server) handleWriteArray(w http.ResponseWriter, r *http.Request) {
	var data []float32
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "invalid JSON input", http.StatusBadRequest)
		return
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		var err error
		if offset, err = strconv.Atoi(o); err != nil {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
	}
	ok, err := s.engine.WriteArray(mux.Vars(r)["name"], data, -1, offset)
	if s.fail(w, err) {
		return
	}
	if !ok {
		http.Error(w, "no such array, or the data does not fit", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLoadArray(w http.ResponseWriter, r *http.Request) {
	s.fileOp(w, r, func(name string, req fileRequest) (bool, error) {
		ch := 0
		switch req.Channel {
		case "":
		case "mix":
			ch = engine.MixDown
		default:
			n, err := strconv.Atoi(req.Channel)
			if err != nil || n < 0 {
				return false, fmt.Errorf("%w: bad channel %q", patchbay.ErrInvalidArgument, req.Channel)
			}
			ch = n
		}
		return s.engine.LoadArrayChannel(name, req.Path, ch)
	})
}

func (s *server) handleSaveArray(w http.ResponseWriter, r *http.Request) {
	s.fileOp(w, r, func(name string, req fileRequest) (bool, error) {
		return s.engine.SaveArray(name, req.Path)
	})
}

func (s *server) fileOp(w http.ResponseWriter, r *http.Request, op func(name string, req fileRequest) (bool, error)) {
	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "invalid JSON input", http.StatusBadRequest)
		return
	}
	ok, err := op(mux.Vars(r)["name"], req)
	if s.fail(w, err) {
		return
	}
	if !ok {
		http.Error(w, "no such array", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail writes an error response for err, if there is one, and reports whether
// it did.
func (s *server) fail(w http.ResponseWriter, err error) bool {
	var dce *patchbay.DeviceConfigError
	switch {
	case err == nil:
		return false
	case errors.Is(err, patchbay.ErrEngineDestroyed):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, patchbay.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, patchbay.ErrStructural), errors.As(err, &dce):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error("request failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
	return true
}

func (s *server) reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("could not write response", "err", err)
	}
}

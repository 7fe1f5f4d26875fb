package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/vsariola/patchbay/audio"
	"github.com/vsariola/patchbay/engine"
	"github.com/vsariola/patchbay/instance"
	"github.com/vsariola/patchbay/version"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine, *audio.Offline) {
	t.Helper()
	drv := audio.NewOffline()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(engine.DefaultConfig(), drv, engine.Options{Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(newRouter(e, log))
	t.Cleanup(func() {
		srv.Close()
		e.Destroy()
	})
	return srv, e, drv
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, r)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServePatchLifeCycle(t *testing.T) {
	srv, e, drv := newTestServer(t)
	resp := do(t, "POST", srv.URL+"/patches", openRequest{Path: filepath.Join("testdata", "echo.yml")})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open: %v", resp.Status)
	}
	var p instance.Patch
	json.NewDecoder(resp.Body).Decode(&p)
	if !p.Valid || p.DollarZero == 0 {
		t.Fatalf("opened %+v", p)
	}
	if resp := do(t, "POST", srv.URL+"/patches", openRequest{Name: "missing", Dir: "testdata"}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("opening a missing patch: %v", resp.Status)
	}
	if resp := do(t, "POST", srv.URL+"/start", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("start: %v", resp.Status)
	}
	dz := strconv.Itoa(p.DollarZero)
	c, sub, _ := e.Channel(dz+"-echo", 1)
	if resp := do(t, "POST", srv.URL+"/send/"+dz+"-in", []any{"a", 1}); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send: %v", resp.Status)
	}
	drv.Stream().Tick()
	if m, ok := e.Await(c, 0); !ok || m.String() != "a 1" {
		t.Fatalf("echoed %v, %v", m, ok)
	}
	e.Unsubscribe(dz+"-echo", sub)
	if resp := do(t, "GET", srv.URL+"/arrays/"+dz+"-data", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("read array: %v", resp.Status)
	}
	wav := filepath.Join(t.TempDir(), "data.wav")
	if resp := do(t, "POST", srv.URL+"/arrays/"+dz+"-data/save", fileRequest{Path: wav}); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("save array: %v", resp.Status)
	}
	if resp := do(t, "POST", srv.URL+"/arrays/"+dz+"-data/load", fileRequest{Path: wav, Channel: "mix"}); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("load array mixed down: %v", resp.Status)
	}
	if resp := do(t, "POST", srv.URL+"/arrays/"+dz+"-data/load", fileRequest{Path: wav, Channel: "left"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("load array with a bad channel: %v", resp.Status)
	}
	if resp := do(t, "PUT", srv.URL+"/arrays/nope", []float32{1}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("write unknown array: %v", resp.Status)
	}
	if resp := do(t, "DELETE", srv.URL+"/patches/"+dz, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("close: %v", resp.Status)
	}
	if resp := do(t, "DELETE", srv.URL+"/patches/"+dz, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second close: %v", resp.Status)
	}
}

func TestServeErrors(t *testing.T) {
	srv, e, _ := newTestServer(t)
	var info struct {
		Version version.Build `json:"version"`
	}
	if err := json.NewDecoder(do(t, "GET", srv.URL+"/", nil).Body).Decode(&info); err != nil || info.Version.Version == "" {
		t.Fatalf("info: %+v, %v", info, err)
	}
	if resp := do(t, "POST", srv.URL+"/patches", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("open without body: %v", resp.Status)
	}
	if resp := do(t, "GET", srv.URL+"/messages/x?timeout=10ms", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("waiting on a silent channel: %v", resp.Status)
	}
	e.Destroy()
	if resp := do(t, "GET", srv.URL+"/patches", nil); resp.StatusCode != http.StatusGone {
		t.Fatalf("after destroy: %v", resp.Status)
	}
}

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"arvideo/internal/camera"
	"arvideo/internal/config"
	"arvideo/internal/framecodec"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer はモックバックエンドを持つサーバーを作成する
func newTestServer(t *testing.T) (*Server, *camera.MockBackend) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Capture.DefaultConfig = "-backend=mock"

	mock := camera.NewMockBackend("mock")
	reg := camera.NewRegistry(camera.NewBackendSet(mock),
		camera.WithConfig(camera.Config{
			PollMin:              time.Millisecond,
			PollMax:              10 * time.Millisecond,
			StopTimeout:          time.Second,
			MaxConsecutiveErrors: 5,
			Buffers:              2,
		}),
		camera.WithLogger(testLogger()))

	srv := New(cfg, reg, testLogger())
	t.Cleanup(func() {
		_ = reg.Shutdown(context.Background())
	})
	return srv, mock
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func openSession(t *testing.T, srv *Server, config string) camera.SessionInfo {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"config": config})
	w := doRequest(t, srv, http.MethodPost, "/api/sessions", string(body))
	if w.Code != http.StatusCreated {
		t.Fatalf("open failed: status %d, body %s", w.Code, w.Body.String())
	}
	var info camera.SessionInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return info
}

// waitFrame はフレームが取得できるまで待つ
func waitFrame(t *testing.T, srv *Server, id, format string) *httptest.ResponseRecorder {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := doRequest(t, srv, http.MethodGet, "/api/sessions/"+id+"/frame?format="+format, "")
		if w.Code == http.StatusOK {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("frame not available within deadline")
	return nil
}

// TestServerEndpoints は状態取得系のエンドポイントをテストする
func TestServerEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
		contains       string
	}{
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK, "healthy"},
		{"ステータスエンドポイント", "/api/status", http.StatusOK, "running"},
		{"オプション一覧", "/api/options", http.StatusOK, "-pixelformat"},
		{"バックエンド一覧", "/api/backends", http.StatusOK, "mock"},
		{"セッション一覧", "/api/sessions", http.StatusOK, "sessions"},
		{"存在しないセッション", "/api/sessions/unknown", http.StatusNotFound, "session_not_found"},
		{"存在しないパス", "/nothing", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, srv, http.MethodGet, tc.endpoint, "")
			if w.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d", w.Code, tc.expectedStatus)
			}
			if tc.contains != "" && !strings.Contains(w.Body.String(), tc.contains) {
				t.Errorf("レスポンスに %q が含まれていません: %s", tc.contains, w.Body.String())
			}
		})
	}
}

// TestSessionLifecycle はオープンからクローズまでをHTTP経由でテストする
func TestSessionLifecycle(t *testing.T) {
	srv, mock := newTestServer(t)

	info := openSession(t, srv, "-backend=mock -rate=30")
	if info.State != camera.StateOpened {
		t.Errorf("state = %s, want %s", info.State, camera.StateOpened)
	}
	if info.Width != 640 || info.Height != 480 {
		t.Errorf("size = %dx%d, want 640x480", info.Width, info.Height)
	}
	base := "/api/sessions/" + info.ID

	if w := doRequest(t, srv, http.MethodGet, base+"/frame", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("frame before start: status %d, want 503", w.Code)
	}
	if w := doRequest(t, srv, http.MethodPost, base+"/stop", ""); w.Code != http.StatusConflict {
		t.Errorf("stop before start: status %d, want 409", w.Code)
	}

	if w := doRequest(t, srv, http.MethodPost, base+"/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start failed: status %d, body %s", w.Code, w.Body.String())
	}
	if w := doRequest(t, srv, http.MethodPost, base+"/start", ""); w.Code != http.StatusConflict {
		t.Errorf("second start: status %d, want 409", w.Code)
	}

	raw := waitFrame(t, srv, info.ID, "raw")
	if got, want := raw.Body.Len(), 640*480*3; got != want {
		t.Errorf("raw length = %d, want %d", got, want)
	}
	if raw.Header().Get("X-Frame-Format") != "RGB24" {
		t.Errorf("X-Frame-Format = %q, want RGB24", raw.Header().Get("X-Frame-Format"))
	}

	w := waitFrame(t, srv, info.ID, "jpeg")
	cfg, err := jpeg.DecodeConfig(w.Body)
	if err != nil {
		t.Fatalf("DecodeConfig failed: %v", err)
	}
	if cfg.Width != 640 || cfg.Height != 480 {
		t.Errorf("jpeg size = %dx%d, want 640x480", cfg.Width, cfg.Height)
	}

	w = waitFrame(t, srv, info.ID, "msgpack")
	img, err := framecodec.DecodeMsgpack(w.Body.Bytes())
	if err != nil {
		t.Fatalf("DecodeMsgpack failed: %v", err)
	}
	if img.Seq == 0 || img.Width != 640 {
		t.Errorf("unexpected msgpack frame: seq=%d width=%d", img.Seq, img.Width)
	}

	if w := doRequest(t, srv, http.MethodGet, base+"/frame?format=png", ""); w.Code != http.StatusBadRequest {
		t.Errorf("unknown format: status %d, want 400", w.Code)
	}

	if w := doRequest(t, srv, http.MethodDelete, base, ""); w.Code != http.StatusConflict {
		t.Errorf("close while capturing: status %d, want 409", w.Code)
	}
	if w := doRequest(t, srv, http.MethodPost, base+"/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("stop failed: status %d, body %s", w.Code, w.Body.String())
	}
	if w := doRequest(t, srv, http.MethodGet, base+"/stream", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("stream while stopped: status %d, want 503", w.Code)
	}
	if w := doRequest(t, srv, http.MethodDelete, base, ""); w.Code != http.StatusNoContent {
		t.Fatalf("close failed: status %d, body %s", w.Code, w.Body.String())
	}
	if w := doRequest(t, srv, http.MethodGet, base, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after close: status %d, want 404", w.Code)
	}

	counts := mock.Counts()
	if counts.Opens != 1 || counts.Closes != 1 {
		t.Errorf("opens=%d closes=%d, want 1 and 1", counts.Opens, counts.Closes)
	}
}

// TestOpenDefaultConfig は本文なしのオープンが既定の設定文字列を使うことをテストする
func TestOpenDefaultConfig(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("open failed: status %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"backend":"mock"`) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}

	if w := doRequest(t, srv, http.MethodPost, "/api/sessions", "{broken"); w.Code != http.StatusBadRequest {
		t.Errorf("broken json: status %d, want 400", w.Code)
	}
}

// TestOpenErrorStatus はオープン失敗時のステータスコードをテストする
func TestOpenErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		config string
		setup  func(srv *Server, mock *camera.MockBackend)
		status int
		code   string
	}{
		{"未知のオプション", "-backend=mock -bogus", nil, http.StatusBadRequest, "invalid_config"},
		{"未知のバックエンド", "-backend=nope", nil, http.StatusBadRequest, "invalid_config"},
		{"未対応のモード", "-backend=mock -mode=1024x768_RGB", nil, http.StatusUnprocessableEntity, "mode_unsupported"},
		{"未対応のレート", "-backend=mock -mode=640x480_YUV411 -rate=60", nil, http.StatusUnprocessableEntity, "rate_unsupported"},
		{"デバイスなし", "-backend=mock", func(_ *Server, mock *camera.MockBackend) {
			mock.SetShouldFailProbe(true)
		}, http.StatusNotFound, "device_not_found"},
		{"使用中のデバイス", "-backend=mock -device=cam1", func(srv *Server, _ *camera.MockBackend) {
			if _, err := srv.registry.Open(context.Background(), "-backend=mock -device=cam1"); err != nil {
				panic(err)
			}
		}, http.StatusConflict, "device_busy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, mock := newTestServer(t)
			if tt.setup != nil {
				tt.setup(srv, mock)
			}

			body, _ := json.Marshal(map[string]string{"config": tt.config})
			w := doRequest(t, srv, http.MethodPost, "/api/sessions", string(body))
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}

			var resp errorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if resp.Error != tt.code {
				t.Errorf("error = %q, want %q", resp.Error, tt.code)
			}
		})
	}
}

// TestStartFailureStatus はバックエンドの開始失敗が 502 になることをテストする
func TestStartFailureStatus(t *testing.T) {
	srv, mock := newTestServer(t)
	info := openSession(t, srv, "-backend=mock")

	mock.SetShouldFailStart(true)
	w := doRequest(t, srv, http.MethodPost, "/api/sessions/"+info.ID+"/start", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 (body %s)", w.Code, w.Body.String())
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"config", &camera.Error{Op: "open", Err: camera.ErrConfig}, http.StatusBadRequest},
		{"not found", fmt.Errorf("wrap: %w", camera.ErrDeviceNotFound), http.StatusNotFound},
		{"busy", camera.ErrDeviceBusy, http.StatusConflict},
		{"already", camera.ErrAlreadyCapturing, http.StatusConflict},
		{"precondition", camera.ErrPrecondition, http.StatusConflict},
		{"mode", camera.ErrModeUnsupported, http.StatusUnprocessableEntity},
		{"rate", camera.ErrRateUnsupported, http.StatusUnprocessableEntity},
		{"backend", camera.ErrBackendStartFailed, http.StatusBadGateway},
		{"unknown", errors.New("something"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := statusOf(tt.err); got != tt.want {
				t.Errorf("statusOf = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestStreamMJPEG はMJPEGストリームの配信をテストする
func TestStreamMJPEG(t *testing.T) {
	srv, _ := newTestServer(t)
	info := openSession(t, srv, "-backend=mock -mode=320x240_YUV422 -rate=60")
	if w := doRequest(t, srv, http.MethodPost, "/api/sessions/"+info.ID+"/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start failed: status %d", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+info.ID+"/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.Bytes()
	if n := bytes.Count(body, []byte("--frame\r\n")); n < 2 {
		t.Errorf("expected at least 2 frames, got %d", n)
	}
	if !bytes.Contains(body, []byte("Content-Type: image/jpeg")) {
		t.Error("frame part header missing")
	}
}

// TestStreamMsgpack は長さ付き msgpack ストリームをテストする
func TestStreamMsgpack(t *testing.T) {
	srv, _ := newTestServer(t)
	info := openSession(t, srv, "-backend=mock -mode=320x240_YUV422 -rate=60")
	if w := doRequest(t, srv, http.MethodPost, "/api/sessions/"+info.ID+"/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start failed: status %d", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+info.ID+"/stream?format=msgpack", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/x-msgpack-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(w.Body)
	var (
		frames  int
		lastSeq uint64
	)
	for {
		img, err := framecodec.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame failed after %d frames: %v", frames, err)
		}
		if img.Width != 320 || img.Height != 240 {
			t.Errorf("size = %dx%d", img.Width, img.Height)
		}
		if img.Seq <= lastSeq {
			t.Errorf("Seq did not advance: %d after %d", img.Seq, lastSeq)
		}
		lastSeq = img.Seq
		frames++
	}
	if frames < 2 {
		t.Errorf("expected at least 2 frames, got %d", frames)
	}
}

// TestStreamErrors はストリーム要求のエラーをテストする
func TestStreamErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	info := openSession(t, srv, "-backend=mock")

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"未知の形式", "/api/sessions/" + info.ID + "/stream?format=gif", http.StatusBadRequest},
		{"キャプチャ前", "/api/sessions/" + info.ID + "/stream?format=msgpack", http.StatusServiceUnavailable},
		{"存在しないセッション", "/api/sessions/nope/stream", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv, http.MethodGet, tt.path, "")
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.config.Server.Port = 0 // ランダムポートを使用
	srv.httpServer.Addr = srv.config.ServerAddress()
	srv.config.Devices = []config.DeviceConfig{
		{ID: "front", Name: "正面", Config: "-backend=mock -device=front", Autostart: true},
		{ID: "side", Name: "側面", Config: "-backend=mock -device=side"},
		{ID: "broken", Config: "-backend=nope"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで待つ
	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.Addr() == nil {
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + srv.Addr().String() + "/api/status")
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	var status struct {
		Sessions  int           `json:"sessions"`
		Capturing int           `json:"capturing"`
		Devices   []deviceEntry `json:"devices"`
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if status.Sessions != 2 || status.Capturing != 1 {
		t.Errorf("sessions=%d capturing=%d, want 2 and 1", status.Sessions, status.Capturing)
	}
	if len(status.Devices) != 3 || status.Devices[2].Error == "" {
		t.Errorf("unexpected devices: %+v", status.Devices)
	}

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}

	if n := len(srv.registry.Sessions()); n != 0 {
		t.Errorf("sessions after shutdown = %d, want 0", n)
	}
}

package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"arvideo/internal/camera"
	"arvideo/internal/framecodec"
)

// errorResponse はエラー時のレスポンス
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// openRequest はセッションオープン要求
type openRequest struct {
	Config string `json:"config"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	sessions := s.registry.Sessions()
	capturing, degraded := 0, 0
	for _, sess := range sessions {
		if sess.State() == camera.StateCapturing {
			capturing++
		}
		if sess.Health() == camera.HealthDegraded {
			degraded++
		}
	}

	s.mu.Lock()
	devices := append([]deviceEntry(nil), s.devices...)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"sessions":  len(sessions),
		"capturing": capturing,
		"degraded":  degraded,
		"devices":   devices,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp": time.Now(),
	})
}

// handleOptions は設定文字列のヘルプを返す
func (s *Server) handleOptions(c *gin.Context) {
	c.String(http.StatusOK, s.registry.ListOptions())
}

// handleBackends はバックエンド一覧を返す
func (s *Server) handleBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backends": s.registry.Backends()})
}

// handleListSessions はセッション一覧を返す
func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.registry.Sessions()
	infos := make([]camera.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos})
}

// handleOpenSession は設定文字列でデバイスをオープンする
// 本文がなければ既定の設定文字列を使う
func (s *Server) handleOpenSession(c *gin.Context) {
	var req openRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	if req.Config == "" {
		req.Config = s.config.Capture.DefaultConfig
	}

	sess, err := s.registry.Open(c.Request.Context(), req.Config)
	if err != nil {
		writeCameraError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess.Info())
}

// handleGetSession はセッションの状態を返す
func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

// handleStartSession はキャプチャを開始する
func (s *Server) handleStartSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := sess.Start(c.Request.Context()); err != nil {
		writeCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

// handleStopSession はキャプチャを停止する
func (s *Server) handleStopSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := sess.Stop(c.Request.Context()); err != nil {
		writeCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

// handleCloseSession はセッションをクローズする
func (s *Server) handleCloseSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := sess.Close(c.Request.Context()); err != nil {
		writeCameraError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleFrame は最新フレームを返す
// 描画側の GetImage と競合しないよう ready を消費しない Snapshot を使う
func (s *Server) handleFrame(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	img, err := sess.Snapshot()
	if err != nil {
		writeCameraError(c, err)
		return
	}
	if img == nil {
		writeError(c, http.StatusServiceUnavailable, "frame_unavailable", "取得済みのフレームがありません")
		return
	}

	c.Header("X-Frame-Seq", strconv.FormatUint(img.Seq, 10))
	c.Header("X-Frame-Width", strconv.Itoa(img.Width))
	c.Header("X-Frame-Height", strconv.Itoa(img.Height))
	c.Header("X-Frame-Format", img.Format.String())

	switch format := c.DefaultQuery("format", "jpeg"); format {
	case "jpeg":
		var buf bytes.Buffer
		if err := framecodec.EncodeJPEG(&buf, img, jpegQuality(c)); err != nil {
			writeError(c, http.StatusInternalServerError, "encode_failed", err.Error())
			return
		}
		c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
	case "msgpack":
		data, err := framecodec.EncodeMsgpack(img)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "encode_failed", err.Error())
			return
		}
		c.Data(http.StatusOK, "application/x-msgpack", data)
	case "raw":
		c.Data(http.StatusOK, "application/octet-stream", img.Data)
	default:
		writeError(c, http.StatusBadRequest, "invalid_format", "format は jpeg, msgpack, raw のいずれかです: "+format)
	}
}

// handleStream はストリーミングエンドポイント
// format=mjpeg（既定）はブラウザ向けのMJPEG、format=msgpack は長さ付き msgpack フレームの連続
func (s *Server) handleStream(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	var (
		contentType string
		write       frameWriter
	)
	switch format := c.DefaultQuery("format", "mjpeg"); format {
	case "mjpeg":
		contentType = "multipart/x-mixed-replace; boundary=frame"
		write = mjpegWriter(jpegQuality(c))
	case "msgpack":
		contentType = "application/x-msgpack-stream"
		write = framecodec.WriteFrame
	default:
		writeError(c, http.StatusBadRequest, "invalid_format", "format は mjpeg, msgpack のいずれかです: "+format)
		return
	}

	// セッションがキャプチャ中か確認
	if sess.State() != camera.StateCapturing {
		writeError(c, http.StatusServiceUnavailable, "session_not_capturing", "セッションはキャプチャしていません")
		return
	}

	s.stream(c, sess, contentType, write)
}

// frameWriter は1フレームをストリームへ書き込む
type frameWriter func(w io.Writer, img *camera.Image) error

// mjpegWriter はMJPEGのパートとしてフレームを書き込む
func mjpegWriter(quality int) frameWriter {
	var buf bytes.Buffer
	return func(w io.Writer, img *camera.Image) error {
		buf.Reset()
		if err := framecodec.EncodeJPEG(&buf, img, quality); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: "+strconv.Itoa(buf.Len())+"\r\n\r\n"); err != nil {
			return err
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\r\n")
		return err
	}
}

// stream はフレーム間隔ごとに最新フレームを確認し、新しいものだけを write で送る
func (s *Server) stream(c *gin.Context, sess *camera.Session, contentType string, write frameWriter) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	interval := sess.Rate().FrameInterval()
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	var lastSeq uint64
	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
		}

		img, err := sess.Snapshot()
		if err != nil {
			// セッションがクローズされた
			return
		}
		if img == nil || img.Seq == lastSeq {
			continue
		}
		lastSeq = img.Seq

		if err := write(writer, img); err != nil {
			s.logger.Warn("server: ストリームへの書き込みに失敗しました", "session", sess.ID(), "error", err)
			return
		}

		// バッファをフラッシュ
		flusher.Flush()
	}
}

// session はパスの id からセッションを引く
// 見つからなければ 404 を書き込んで false を返す
func (s *Server) session(c *gin.Context) (*camera.Session, bool) {
	sess, ok := s.registry.Get(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, "session_not_found", "指定されたセッションが見つかりません")
		return nil, false
	}
	return sess, true
}

func jpegQuality(c *gin.Context) int {
	q, err := strconv.Atoi(c.Query("quality"))
	if err != nil {
		return framecodec.DefaultJPEGQuality
	}
	return q
}

// statusOf はエラー分類をHTTPステータスに対応づける
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrConfig):
		return http.StatusBadRequest, "invalid_config"
	case errors.Is(err, camera.ErrDeviceNotFound):
		return http.StatusNotFound, "device_not_found"
	case errors.Is(err, camera.ErrDeviceBusy):
		return http.StatusConflict, "device_busy"
	case errors.Is(err, camera.ErrAlreadyCapturing):
		return http.StatusConflict, "already_capturing"
	case errors.Is(err, camera.ErrNotCapturing):
		return http.StatusConflict, "not_capturing"
	case errors.Is(err, camera.ErrPrecondition):
		return http.StatusConflict, "precondition_failed"
	case errors.Is(err, camera.ErrModeUnsupported):
		return http.StatusUnprocessableEntity, "mode_unsupported"
	case errors.Is(err, camera.ErrRateUnsupported):
		return http.StatusUnprocessableEntity, "rate_unsupported"
	case errors.Is(err, camera.ErrBackendStartFailed):
		return http.StatusBadGateway, "backend_start_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeCameraError(c *gin.Context, err error) {
	status, code := statusOf(err)
	_ = c.Error(err)
	writeError(c, status, code, err.Error())
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

package v4l2

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Discovery はLinux環境でのV4L2デバイス検出を行う
type Discovery struct {
	// ctl は v4l2-ctl の実行を差し替えるためのフック（テスト用）
	ctl func(ctx context.Context, args ...string) ([]byte, error)
}

// NewDiscovery は新しい Discovery を作成する
func NewDiscovery() *Discovery {
	return &Discovery{ctl: runV4L2Ctl}
}

func runV4L2Ctl(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "v4l2-ctl", args...).Output()
}

var deviceNumber = regexp.MustCompile(`video(\d+)`)

// ScanDevices は利用可能なカラーカメラのデバイスパスを番号順に返す
// 同じ物理カメラの複数ノードは最も小さい番号だけを残す
func (d *Discovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool)
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.IsDeviceAvailable(match) {
			continue
		}
		formats, err := d.ctl(ctx, "--device", match, "--list-formats-ext")
		if err != nil || !hasColorFormat(string(formats)) {
			continue
		}

		name := d.DeviceName(ctx, match)
		if name != "" && seen[name] {
			continue
		}
		seen[name] = true
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable はデバイスファイルが存在し読み取れるかを返す
func (d *Discovery) IsDeviceAvailable(device string) bool {
	if !isVideoNode(device) {
		return false
	}
	if _, err := os.Stat(device); err != nil {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// DeviceName は v4l2-ctl の Card type からカメラ名を取得する
// 取得できない場合はデバイス番号から生成する
func (d *Discovery) DeviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if out, err := d.ctl(ctx, "--device", device, "--info"); err == nil {
		if name := parseCardType(string(out)); name != "" {
			return name
		}
	}
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// Resolve はデバイスセレクタをデバイスパスへ解決する
//
//	""           最初に見つかったカメラ
//	"/dev/videoN" そのまま
//	"N"          /dev/videoN
//	"card:node"  card 番目に見つかったカメラ（node は 0 のみ）
func (d *Discovery) Resolve(ctx context.Context, selector string) (string, error) {
	switch {
	case strings.HasPrefix(selector, "/dev/"):
		return selector, nil
	case selector != "" && isDigits(selector):
		return "/dev/video" + selector, nil
	}

	card, node := 0, 0
	if selector != "" {
		c, n, ok := strings.Cut(selector, ":")
		if !ok || !isDigits(c) || !isDigits(n) {
			return "", fmt.Errorf("デバイスセレクタが不正です: %q", selector)
		}
		card, _ = strconv.Atoi(c)
		node, _ = strconv.Atoi(n)
	}
	if node != 0 {
		return "", fmt.Errorf("V4L2 ではノード番号 0 のみ指定できます: %d", node)
	}

	devices, err := d.ScanDevices(ctx)
	if err != nil {
		return "", err
	}
	if card >= len(devices) {
		return "", fmt.Errorf("カード %d が見つかりません (検出数 %d)", card, len(devices))
	}
	return devices[card], nil
}

// parseCardType は v4l2-ctl --info の出力から Card type を取り出す
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if _, v, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// hasColorFormat はグレースケール専用でないかを判定する
func hasColorFormat(output string) bool {
	return strings.Contains(output, "YUYV") || strings.Contains(output, "UYVY") ||
		strings.Contains(output, "MJPG") || strings.Contains(output, "RGB3")
}

// extractDeviceNumber は /dev/videoXX から XX を取り出す
func extractDeviceNumber(device string) int {
	m := deviceNumber.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func isVideoNode(device string) bool {
	matched, _ := regexp.MatchString(`^/dev/video\d+$`, device)
	return matched
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

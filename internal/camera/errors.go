package camera

import (
	"errors"
	"fmt"
)

// エラー分類
// 呼び出し側は errors.Is で判定する
var (
	ErrConfig             = errors.New("設定文字列が不正です")
	ErrDeviceBusy         = errors.New("デバイスは使用中です")
	ErrDeviceNotFound     = errors.New("デバイスが見つかりません")
	ErrModeUnsupported    = errors.New("キャプチャモードはサポートされていません")
	ErrRateUnsupported    = errors.New("フレームレートはサポートされていません")
	ErrAlreadyCapturing   = errors.New("既にキャプチャ中です")
	ErrBackendStartFailed = errors.New("バックエンドの開始に失敗しました")
	ErrNotCapturing       = errors.New("キャプチャしていません")
	ErrPrecondition       = errors.New("前提条件違反")

	// ErrTransient を包んだ取得エラーは次の周期で再試行される
	ErrTransient = errors.New("一時的な取得エラー")
)

// Error は操作とデバイスを伴うエラー
type Error struct {
	Op     string // 操作名 (open, start, stop, close, ...)
	Device string // デバイスキー
	Err    error
}

func (e *Error) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// opError は分類エラーに詳細を付けて包む
func opError(op, device string, kind error, format string, args ...any) error {
	if format == "" {
		return &Error{Op: op, Device: device, Err: kind}
	}
	return &Error{Op: op, Device: device, Err: fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))}
}

// Transient はエラーを一時的なものとして包む
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient は再試行可能なエラーかどうかを返す
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

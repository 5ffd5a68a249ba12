// Package camera カメラ映像の取得とセッション管理を担う
//
// # 責務
// - 設定文字列の解析とバックエンドの選択
// - デバイスとのモード・フレームレートのネゴシエーション
// - キャプチャセッションのライフサイクル管理 (open, start, stop, close)
// - 取得ループによるポーリング、ピクセル変換、ハンドオフへの公開
// - 描画側への最新フレームの受け渡し (GetImage)
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 描画ループから毎フレーム最新の画像を取り出したい
// - 複数のデバイスを同時に開き、それぞれ独立に開始・停止したい
// - バックエンド（v4l2, ffmpeg, gstreamer, synthetic）を設定文字列で切り替えたい
//
// # 仕様
// - Registry: バックエンドの参照カウントとデバイスの排他を管理
// - Session: 状態遷移 opened -> capturing -> stopped -> closed
// - 取得ループはセッション毎に1ゴルーチンで、フレーム間隔の半分（上下限あり）で周期待ちする
// - 一時的な取得エラーは再試行し、それ以外はセッションを劣化状態にする
// - スレッドセーフでないバックエンドへの呼び出しはバックエンド毎のロックで直列化する
// - GetImage はブロックせず、新しいフレームがなければ前回のフレームを Fresh=false で返す
//
// # 前提要件
//   - バックエンド毎の要件は internal/backend 以下の各パッケージを参照
package camera

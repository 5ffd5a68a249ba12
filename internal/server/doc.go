// Package server は、キャプチャセッションを操作するHTTPサーバーを提供します。
//
// このパッケージは、カメラレジストリをHTTPで公開し、
// プレビューと制御の窓口を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - セッションのオープン、開始、停止、クローズ
//   - 最新フレームの配信（JPEG / msgpack / 生データ）
//   - MJPEGストリーミング
//   - 設定ファイルに記載されたデバイスの起動時オープン
//
// 仕様:
//   - ルーティングとミドルウェアはginを使用
//   - アクセスログはslogで出力
//   - フレーム配信は ready を消費しない Snapshot を使い、描画側の GetImage と競合しない
//   - エラー分類に応じてHTTPステータスを返す（400, 404, 409, 422, 502）
//   - シャットダウン時はすべてのセッションを停止してクローズする
package server

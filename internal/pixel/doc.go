// Package pixel カメラ固有のピクセル配置を描画用のRGB系配置へ変換する
//
// # 責務
// - パック形式のYUV (4:1:1, 4:2:2) からRGB系への変換
// - RGB系フォーマット同士のチャンネル並べ替え
// - フレーム番号のオーバーレイ描画
//
// # 仕様
//   - 変換式は U' = trunc((U-128)*0.354), V' = trunc((V-128)*0.707) を用いて
//     R = Y + 2V', G = Y - U' - V', B = Y + 5U' とし、0..255に飽和させる
//   - 係数はテーブル化しておりピクセル毎の割り当ては行わない
//   - 出力先はRGB系のみ（YUVへの変換は扱わない）
package pixel

// Package handoff は取得スレッドから描画側へフレームを受け渡すバッファを提供する
//
// 2面または3面の固定サイズスロットと ready フラグ、パリティビットを
// 1つのミューテックスで保護し、最新値優先・深さ1のキューとして振る舞う。
// コンシューマが遅い場合、途中のフレームは破棄される。
package handoff

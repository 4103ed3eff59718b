package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 所有邏輯都在 internal/cli
//
// 編譯時注入版本：
//   go build -ldflags "-X github.com/ChuLiYu/numgate/internal/cli.Version=1.0.0" ./cmd/numgate
// ============================================================================

import "github.com/ChuLiYu/numgate/internal/cli"

func main() {
	cli.Execute()
}

// Command ratemyrental はセッション・プロフィール同期APIサーバーを起動する。
//
//	ratemyrental [serve]                 APIサーバー
//	ratemyrental migrate [up|down N|version]
//	ratemyrental healthcheck             Dockerヘルスチェック
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/ratemyrental/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

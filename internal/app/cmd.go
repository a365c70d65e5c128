package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// MigrateAction はmigrateサブコマンドの操作を表す。
type MigrateAction string

const (
	MigrateUp      MigrateAction = "up"
	MigrateDown    MigrateAction = "down"
	MigrateVersion MigrateAction = "version"
)

// MigrateArgs はmigrateサブコマンドの引数。
type MigrateArgs struct {
	Action MigrateAction
	Steps  int // downで戻すステップ数
}

// ParseMigrateArgs は "migrate" に続く引数を解析する。
//
//	migrate            → up
//	migrate up         → up
//	migrate down [N]   → N ステップ戻す（省略時は1）
//	migrate version    → 現在のバージョンを表示
func ParseMigrateArgs(args []string) (MigrateArgs, error) {
	if len(args) == 0 {
		return MigrateArgs{Action: MigrateUp}, nil
	}

	switch MigrateAction(args[0]) {
	case MigrateUp:
		return MigrateArgs{Action: MigrateUp}, nil
	case MigrateVersion:
		return MigrateArgs{Action: MigrateVersion}, nil
	case MigrateDown:
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return MigrateArgs{}, fmt.Errorf("invalid step count for migrate down: %q", args[1])
			}
			steps = n
		}
		return MigrateArgs{Action: MigrateDown, Steps: steps}, nil
	default:
		return MigrateArgs{}, fmt.Errorf("unknown migrate action: %q (want up, down, or version)", args[0])
	}
}

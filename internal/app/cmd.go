package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTPサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は期限切れデータのクリーンアップワーカーとして起動することを示す。
	CommandWorker Command = "worker"
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
	case "worker":
		return CommandWorker
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

// ParseMigrateAction はmigrateに続く引数から操作を解析する。
// argsにはサブコマンド名を含むos.Args[1:]を渡す。省略時はMigrateUp。
// 未知の操作の場合はokがfalseになる。
func ParseMigrateAction(args []string) (MigrateAction, bool) {
	if len(args) < 2 {
		return MigrateUp, true
	}

	switch MigrateAction(args[1]) {
	case MigrateUp, MigrateDown, MigrateVersion:
		return MigrateAction(args[1]), true
	default:
		return "", false
	}
}

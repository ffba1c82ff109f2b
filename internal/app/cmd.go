package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandDaemon はデーモンモードで起動することを示す。
	CommandDaemon Command = "daemon"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"

	// CommandRemoveWelcomed は指定ユーザーを歓迎済みステージから外すことを示す。
	CommandRemoveWelcomed Command = "remove-welcomed"
	// CommandRemoveWarned は指定ユーザーを警告済みステージから外すことを示す。
	CommandRemoveWarned Command = "remove-warned"
	// CommandRemoveRemoved は指定ユーザーの削除記録を破棄することを示す。
	CommandRemoveRemoved Command = "remove-removed"
	// CommandResetUser は指定ユーザーを全ステージから外すことを示す。
	CommandResetUser Command = "reset-user"

	// CommandListWelcomed は歓迎済みステージの一覧表示を示す。
	CommandListWelcomed Command = "list-welcomed"
	// CommandListWarned は警告済みステージの一覧表示を示す。
	CommandListWarned Command = "list-warned"
	// CommandListRemoved は削除記録の一覧表示を示す。
	CommandListRemoved Command = "list-removed"

	// CommandTestWebhook はWebhook設定の疎通確認を示す。
	CommandTestWebhook Command = "test-webhook"
	// CommandHelp は使用方法の表示を示す。
	CommandHelp Command = "help"
)

// ParseCommand はコマンドライン引数からサブコマンドと残りの引数を解析する。
// 引数が空またはサポート外のコマンドの場合はCommandDaemonを返す。
func ParseCommand(args []string) (Command, []string) {
	if len(args) == 0 {
		return CommandDaemon, nil
	}

	switch args[0] {
	case "daemon":
		return CommandDaemon, args[1:]
	case "healthcheck":
		return CommandHealthcheck, args[1:]
	case "remove-welcomed":
		return CommandRemoveWelcomed, args[1:]
	case "remove-warned":
		return CommandRemoveWarned, args[1:]
	case "remove-removed":
		return CommandRemoveRemoved, args[1:]
	case "reset-user":
		return CommandResetUser, args[1:]
	case "list-welcomed":
		return CommandListWelcomed, args[1:]
	case "list-warned":
		return CommandListWarned, args[1:]
	case "list-removed":
		return CommandListRemoved, args[1:]
	case "test-webhook":
		return CommandTestWebhook, args[1:]
	case "help", "-h", "--help":
		return CommandHelp, args[1:]
	default:
		return CommandDaemon, args
	}
}

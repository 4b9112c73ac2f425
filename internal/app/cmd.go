package app

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
	// CommandClean はCLIクライアントとしてプロンプトをクリーニングすることを示す。
	CommandClean Command = "clean"
	// CommandRedeem はCLIクライアントとしてライセンスキーを引き換えることを示す。
	CommandRedeem Command = "redeem"
	// CommandLookup はCLIクライアントとしてメールアドレスからライセンスキーを照会することを示す。
	CommandLookup Command = "lookup"
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
	case "clean":
		return CommandClean
	case "redeem":
		return CommandRedeem
	case "lookup":
		return CommandLookup
	default:
		return CommandServe
	}
}

// IsClient はサーバー設定を必要としないCLIクライアントのコマンドかどうかを返す。
func (c Command) IsClient() bool {
	switch c {
	case CommandClean, CommandRedeem, CommandLookup:
		return true
	default:
		return false
	}
}

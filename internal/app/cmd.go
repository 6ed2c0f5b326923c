package app

import (
	"fmt"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はリアルタイムサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示する。
	CommandHelp Command = "help"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "help", "-h", "--help":
		return CommandHelp
	default:
		return CommandServe
	}
}

const usage = `usage: chatrelay [serve|migrate|healthcheck|help]

commands:
  serve        start the realtime server (default)
  migrate      apply database migrations
  healthcheck  probe http://localhost:$SERVER_PORT/health

required environment:
  DATABASE_URL, JWT_SECRET

optional environment:
  SERVER_PORT, CORS_ALLOWED_ORIGIN, LOG_LEVEL, HANDSHAKE_TIMEOUT, SEND_BUFFER_SIZE,
  MAX_CONNECTIONS, MAX_MESSAGE_LENGTH, RATE_LIMIT_GENERAL, RATE_LIMIT_MESSAGES,
  ACTIVITY_QUEUE_SIZE, ACTIVITY_WORKERS, DB_RETRY_BASE_DELAY, DB_RETRY_MAX_DELAY,
  DB_HEALTH_INTERVAL, WS_PING_INTERVAL, WS_PONG_WAIT, BACKPLANE_ENABLED, BACKPLANE_CHANNEL
`

// printUsage は使い方をwに書き出す。
func printUsage(w io.Writer) error {
	_, err := fmt.Fprint(w, usage)
	return err
}

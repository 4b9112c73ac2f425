// Package logger はJSON構造化ログのセットアップを提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
)

// redacted はマスク済みの属性値。
const redacted = "[REDACTED]"

// secretKeys はログに値を出力しない属性名。
// ライセンスキーとAPIキーは漏洩するとそのまま利用できるため値を伏せる。
var secretKeys = map[string]struct{}{
	"license_key":    {},
	"licenseKey":     {},
	"api_key":        {},
	"authorization":  {},
	"webhook_secret": {},
	"password":       {},
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
// levelを省略した場合はInfoレベルとなる。
func Setup(w io.Writer, level ...slog.Level) *slog.Logger {
	lvl := slog.LevelInfo
	if len(level) > 0 {
		lvl = level[0]
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: redactSecrets,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer, level ...slog.Level) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w, level...))
}

// redactSecrets はsecretKeysに含まれる属性の値をマスクする。グループ内の属性にも適用される。
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[a.Key]; ok && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redacted)
	}
	return a
}

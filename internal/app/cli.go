package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/promptcleaner/internal/client"
	"github.com/hitoshi/promptcleaner/internal/config"
	"github.com/hitoshi/promptcleaner/internal/usage"
)

// PromptClient はCLIが使うAPI呼び出しのインターフェース。*client.Client が満たす。
type PromptClient interface {
	Clean(ctx context.Context, req client.CleanRequest) (*client.CleanResponse, error)
	Redeem(ctx context.Context, key string) (bool, error)
	Lookup(ctx context.Context, email string) (*client.LookupResult, error)
}

// ErrLicenseInvalid はライセンスキーの引き換えに失敗したことを表す。
var ErrLicenseInvalid = errors.New("license key is invalid or already redeemed")

// runClient はCLIクライアントのサブコマンドを実行する。
func runClient(ctx context.Context, cmd Command, args []string, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	c := client.NewClient(&http.Client{Timeout: cfg.RequestTimeout}, slog.Default(), cfg.ServerURL)
	gate := usage.NewGate(usage.NewFileStore(cfg.StatePath), cfg.DailyFreeLimit)

	switch cmd {
	case CommandClean:
		text, err := readPrompt(args, stdin)
		if err != nil {
			return err
		}
		return runClean(ctx, c, gate, text, stdout)
	case CommandRedeem:
		if len(args) == 0 {
			return errors.New("usage: promptcleaner redeem <license-key>")
		}
		return runRedeem(ctx, c, gate, strings.TrimSpace(args[0]), stdout)
	case CommandLookup:
		if len(args) == 0 {
			return errors.New("usage: promptcleaner lookup <email>")
		}
		return runLookup(ctx, c, strings.TrimSpace(args[0]), stdout)
	default:
		return fmt.Errorf("unknown client command: %s", cmd)
	}
}

// runClean は利用上限を確認してからプロンプトのクリーニングを要求する。
// 上限に達している場合はサーバーに問い合わせずに終了する。
func runClean(ctx context.Context, c PromptClient, gate *usage.Gate, text string, stdout io.Writer) error {
	state, err := gate.Check(ctx)
	if err != nil {
		if errors.Is(err, usage.ErrDailyLimitReached) {
			fmt.Fprintf(stdout, "本日の無料利用回数（%d回）に達しました。明日再度お試しいただくか、ライセンスキーを引き換えてください。\n", gate.Limit())
		}
		return err
	}

	resp, err := c.Clean(ctx, client.CleanRequest{
		Prompt:     text,
		IsProUser:  state.Pro,
		LicenseKey: state.LicenseKey,
	})
	if err != nil {
		var respErr *client.ResponseError
		if errors.As(err, &respErr) && respErr.Action != "" {
			fmt.Fprintf(stdout, "%s %s\n", respErr.Message, respErr.Action)
		}
		return err
	}

	state, err = gate.Record(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, resp.Output)
	if remaining := gate.Remaining(state); remaining >= 0 {
		slog.Info("free usage recorded", slog.Int("remaining", remaining), slog.String("model", resp.Model))
	}
	return nil
}

// runRedeem はライセンスキーを引き換え、成功した場合はPro状態を保存する。
func runRedeem(ctx context.Context, c PromptClient, gate *usage.Gate, key string, stdout io.Writer) error {
	if key == "" {
		return errors.New("license key is required")
	}

	ok, err := c.Redeem(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(stdout, "ライセンスキーが無効か、既に使用されています。")
		return ErrLicenseInvalid
	}

	if err := gate.MarkPro(ctx, key); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Proにアップグレードしました。")
	return nil
}

// runLookup はメールアドレスからライセンスキーを照会する。
func runLookup(ctx context.Context, c PromptClient, email string, stdout io.Writer) error {
	if email == "" {
		return errors.New("email is required")
	}

	result, err := c.Lookup(ctx, email)
	if err != nil {
		return err
	}
	if result.Sent {
		fmt.Fprintln(stdout, "登録されたメールアドレスにライセンスキーを送信しました。")
		return nil
	}
	fmt.Fprintln(stdout, result.LicenseKey)
	return nil
}

// readPrompt は引数があれば連結して返し、なければ標準入力から読む。
func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
	}
	return string(b), nil
}

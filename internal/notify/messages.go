package notify

import "fmt"

// LicenseIssued は購入直後に送るライセンスキー通知メールを組み立てる。
func LicenseIssued(email, key string) Message {
	return Message{
		To:      email,
		Subject: "Prompt Cleaner Pro ライセンスキーのお知らせ",
		Body: fmt.Sprintf(`Prompt Cleaner Pro をご購入いただきありがとうございます。

ライセンスキー: %s

アプリの「ライセンスを引き換える」からキーを入力するとPro機能が有効になります。
キーは1回のみ引き換えできます。
`, key),
	}
}

// LicenseLookup はメールアドレスによる照会に応じて送るライセンスキー再送メールを組み立てる。
func LicenseLookup(email, key string) Message {
	return Message{
		To:      email,
		Subject: "Prompt Cleaner Pro ライセンスキーの再送",
		Body: fmt.Sprintf(`ライセンスキーの照会を受け付けました。

ライセンスキー: %s

この照会に心当たりがない場合は、このメールを破棄してください。
`, key),
	}
}

// Package license はライセンスキーの発行・引き換え・照会のドメインロジックを提供する。
package license

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeyPrefix はライセンスキーの固定プレフィックス。
	KeyPrefix = "PC-"
	keyBytes  = 16
	// KeyLength はプレフィックスを含むライセンスキーの文字数。
	KeyLength = len(KeyPrefix) + keyBytes*2
)

// GenerateKey は暗号論的乱数から新しいライセンスキーを生成する。
// 形式は "PC-" に続く小文字16進数32文字。
func GenerateKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// ValidKeyFormat はキーが正規形式かどうかを返す。
// 形式が明らかに不正なキーはストレージに問い合わせずに拒否するために使う。
func ValidKeyFormat(key string) bool {
	if len(key) != KeyLength || !strings.HasPrefix(key, KeyPrefix) {
		return false
	}
	for _, c := range key[len(KeyPrefix):] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP はリクエスト元のIPアドレスを返す。
// trustForwardedFor が true の場合はX-Forwarded-Forの先頭のアドレスを優先する。
// リバースプロキシの背後で動作する場合のみ有効にする。
func ClientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package wsutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"voicetype/internal/domain"
)

// Dial opens a websocket and classifies handshake failures:
// 401/403 are auth errors, deadlines are timeouts, the rest are network errors.
func Dial(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err == nil {
		return conn, nil
	}

	if resp != nil {
		detail := responseDetail(resp)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, domain.NewError(domain.ErrorKindAuth, "dial",
				fmt.Errorf("credentials rejected: %s%s", resp.Status, detail))
		default:
			return nil, domain.NewError(domain.ErrorKindNetwork, "dial",
				fmt.Errorf("handshake failed: %s%s: %w", resp.Status, detail, err))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, domain.NewError(domain.ErrorKindTimeout, "dial", err)
	}
	return nil, domain.NewError(domain.ErrorKindNetwork, "dial", err)
}

func responseDetail(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}
	return " (" + text + ")"
}

// IsNormalClose reports whether err is an orderly websocket close.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

// HTTPToWS rewrites http(s) base URLs to ws(s).
func HTTPToWS(base string) string {
	base = strings.TrimSpace(base)
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// ReadDeadline returns ctx's deadline or now+fallback.
func ReadDeadline(ctx context.Context, fallback time.Duration) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(fallback)
}

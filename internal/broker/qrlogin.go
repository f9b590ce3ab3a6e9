package broker

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"tgdl/internal/upstream"
)

// qrSession is one in-flight QR login attempt.
type qrSession struct {
	mu sync.Mutex

	tokenURL string
	expires  time.Time

	authenticated bool
	expired       bool
	failed        error
	user          upstream.UserInfo
	// sessionData is the pyrogram-format blob captured on success.
	sessionData string

	cancel context.CancelFunc
}

func (q *qrSession) snapshot() (tokenURL string, expires time.Time, authenticated, expired bool, user upstream.UserInfo, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tokenURL, q.expires, q.authenticated, q.expired, q.user, q.failed
}

// runQRLogin performs the full QR handshake on a throwaway in-memory
// session: export a login token, render it, wait for updateLoginToken, then
// capture the authorized session.
func (b *Broker) runQRLogin(ctx context.Context, qs *qrSession) {
	storage := &session.StorageMemory{}
	dispatcher := tg.NewUpdateDispatcher()
	client := telegram.NewClient(b.apiID, b.apiHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  dispatcher,
		Middlewares:    upstream.FloodMiddleware(),
	})

	err := client.Run(ctx, func(ctx context.Context) error {
		authorization, err := client.QR().Auth(ctx, qrlogin.OnLoginToken(dispatcher),
			func(ctx context.Context, token qrlogin.Token) error {
				qs.mu.Lock()
				qs.tokenURL = token.URL()
				qs.expires = token.Expires()
				qs.mu.Unlock()
				return nil
			})
		if err != nil {
			return err
		}

		user, ok := authorization.User.(*tg.User)
		if !ok {
			return fmt.Errorf("unexpected authorization user type %T", authorization.User)
		}
		blob, err := pyrogramBlobFromStorage(ctx, storage, b.apiID, user.ID)
		if err != nil {
			return err
		}

		qs.mu.Lock()
		qs.authenticated = true
		qs.sessionData = blob
		qs.user = upstream.UserInfo{
			ID:        user.ID,
			Username:  user.Username,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Phone:     user.Phone,
		}
		qs.mu.Unlock()
		return nil
	})

	if err != nil && ctx.Err() == nil {
		qs.mu.Lock()
		if !qs.authenticated {
			if time.Now().After(qs.expires) && !qs.expires.IsZero() {
				qs.expired = true
			}
			qs.failed = err
		}
		qs.mu.Unlock()
		b.log.Warn("QR login ended", zap.Error(err))
	}
}

// gotdSessionData is the subset of the exported session JSON needed to
// re-encode the credentials.
type gotdSessionData struct {
	Data struct {
		DC      int    `json:"DC"`
		AuthKey []byte `json:"AuthKey"`
	} `json:"Data"`
}

func pyrogramBlobFromStorage(ctx context.Context, storage *session.StorageMemory, apiID int, userID int64) (string, error) {
	raw, err := storage.LoadSession(ctx)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	var data gotdSessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	if len(data.Data.AuthKey) != 256 {
		return "", fmt.Errorf("auth key has %d bytes, want 256", len(data.Data.AuthKey))
	}
	return encodePyrogramSession(data.Data.DC, apiID, data.Data.AuthKey, userID), nil
}

// encodePyrogramSession packs credentials into the v2 string-session layout:
// dc_id(u8) api_id(u32) test_mode(bool) auth_key(256) user_id(u64) is_bot(bool),
// big-endian, url-safe base64 without padding.
func encodePyrogramSession(dcID, apiID int, authKey []byte, userID int64) string {
	buf := make([]byte, 0, 271)
	buf = append(buf, byte(dcID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(apiID))
	buf = append(buf, 0) // test_mode
	buf = append(buf, authKey...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(userID))
	buf = append(buf, 0) // is_bot
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf)
}

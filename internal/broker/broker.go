// Package broker owns every upstream client: interactive phone and QR login
// flows, persisted session blobs, and lookups that loan authenticated
// clients to the download engine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgdl/internal/upstream"
)

var (
	ErrUnknownSession    = errors.New("unknown session key")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrVerifyTimeout     = errors.New("verification timed out")
	ErrPasswordRequired  = errors.New("two-step password required")
	ErrLoginNotCompleted = errors.New("login not completed")
)

// verifyTimeout bounds one VerifyCode / VerifyPassword round trip.
const verifyTimeout = 90 * time.Second

type authResult struct {
	client *upstream.GotdClient
	err    error
}

// pendingAuth is one in-flight phone login.
type pendingAuth struct {
	phone  string
	conv   *webConversator
	result chan authResult
}

// Broker holds active clients keyed by session key plus the persistent
// session store.
type Broker struct {
	apiID   int
	apiHash string
	threads int

	store *SessionStore
	pages *pageCache
	log   *zap.Logger

	mu          sync.Mutex
	active      map[string]upstream.Client
	byUser      map[int64]string
	pendingAuth map[string]*pendingAuth
	pendingQR   map[string]*qrSession
}

func New(apiID int, apiHash string, threads int, store *SessionStore, log *zap.Logger) *Broker {
	return &Broker{
		apiID:       apiID,
		apiHash:     apiHash,
		threads:     threads,
		store:       store,
		pages:       newPageCache(),
		log:         log.Named("Broker"),
		active:      make(map[string]upstream.Client),
		byUser:      make(map[int64]string),
		pendingAuth: make(map[string]*pendingAuth),
		pendingQR:   make(map[string]*qrSession),
	}
}

// StartAuth begins a phone login: the upstream sends a code and the returned
// session key identifies the conversation for VerifyCode.
func (b *Broker) StartAuth(ctx context.Context, phone string) (sessionKey string, err error) {
	key := uuid.NewString()
	pending := &pendingAuth{
		phone:  phone,
		conv:   newWebConversator(phone),
		result: make(chan authResult, 1),
	}

	b.mu.Lock()
	b.pendingAuth[key] = pending
	b.mu.Unlock()

	go func() {
		client, err := upstream.NewGotdClient(ctx, upstream.ClientOptions{
			APIID:       b.apiID,
			APIHash:     b.apiHash,
			Phone:       phone,
			Conversator: pending.conv,
			Threads:     b.threads,
		}, b.log)
		pending.result <- authResult{client: client, err: err}
	}()

	b.log.Info("Auth started", zap.String("sessionKey", key))
	return key, nil
}

// VerifyCode submits the login code. When the account has 2FA enabled the
// session is retained and ErrPasswordRequired is returned.
func (b *Broker) VerifyCode(key, code string) (*upstream.UserInfo, error) {
	pending, err := b.pending(key)
	if err != nil {
		return nil, err
	}

	select {
	case pending.conv.codeCh <- code:
	default:
		return nil, fmt.Errorf("code already submitted for session %s", key)
	}

	select {
	case res := <-pending.result:
		return b.settleAuth(key, res)
	case <-pending.conv.passwordNeeded:
		return nil, ErrPasswordRequired
	case <-time.After(verifyTimeout):
		return nil, ErrVerifyTimeout
	}
}

// VerifyPassword completes a 2FA login.
func (b *Broker) VerifyPassword(key, password string) (*upstream.UserInfo, error) {
	pending, err := b.pending(key)
	if err != nil {
		return nil, err
	}

	select {
	case pending.conv.passwordCh <- password:
	default:
		return nil, fmt.Errorf("password already submitted for session %s", key)
	}

	select {
	case res := <-pending.result:
		return b.settleAuth(key, res)
	case <-time.After(verifyTimeout):
		return nil, ErrVerifyTimeout
	}
}

func (b *Broker) pending(key string) (*pendingAuth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending, ok := b.pendingAuth[key]
	if !ok {
		return nil, ErrUnknownSession
	}
	return pending, nil
}

// settleAuth finishes a phone login: persists the session blob and moves the
// client into the active map under both the session key and the user id.
func (b *Broker) settleAuth(key string, res authResult) (*upstream.UserInfo, error) {
	b.mu.Lock()
	pending := b.pendingAuth[key]
	delete(b.pendingAuth, key)
	b.mu.Unlock()

	if res.err != nil {
		return nil, res.err
	}
	client := res.client
	info := client.Self()

	data, err := client.ExportSessionString()
	if err != nil {
		b.log.Warn("Session export failed", zap.Error(err))
	} else {
		blob := SessionBlob{UserID: info.ID, Kind: KindNative, Data: data, Username: info.Username}
		if pending != nil {
			blob.Phone = pending.phone
		}
		if err := b.store.Save(blob); err != nil {
			b.log.Warn("Session persist failed", zap.Error(err))
		}
	}

	b.adopt(key, info.ID, client)
	b.log.Info("Authenticated", zap.Int64("userID", info.ID), zap.String("username", info.Username))
	return &info, nil
}

func (b *Broker) adopt(key string, userID int64, client upstream.Client) {
	b.mu.Lock()
	if old, ok := b.byUser[userID]; ok && old != key {
		if prev, live := b.active[old]; live {
			prev.Close()
		}
		delete(b.active, old)
	}
	b.active[key] = client
	b.byUser[userID] = key
	b.mu.Unlock()
}

// QRStart describes a freshly issued QR token.
type QRStart struct {
	SessionKey string    `json:"session_key"`
	TokenURL   string    `json:"qr_token"`
	Expires    time.Time `json:"expires"`
}

// StartQRLogin issues a QR login token and watches for its acceptance in the
// background.
func (b *Broker) StartQRLogin(ctx context.Context) (*QRStart, error) {
	key := uuid.NewString()
	qrCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	qs := &qrSession{cancel: cancel}

	b.mu.Lock()
	b.pendingQR[key] = qs
	b.mu.Unlock()

	go b.runQRLogin(qrCtx, qs)

	// The token is produced asynchronously; wait briefly for the first one.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		tokenURL, expires, _, _, _, err := qs.snapshot()
		if err != nil {
			cancel()
			return nil, err
		}
		if tokenURL != "" {
			return &QRStart{SessionKey: key, TokenURL: tokenURL, Expires: expires}, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	cancel()
	return nil, fmt.Errorf("QR token was not issued in time")
}

// QRStatus is the poll result for an in-flight QR login.
type QRStatus struct {
	Authenticated bool               `json:"authenticated"`
	Expired       bool               `json:"expired"`
	TokenURL      string             `json:"qr_token,omitempty"`
	User          *upstream.UserInfo `json:"user_info,omitempty"`
}

// CheckQRStatus reports the current state; on success the session blob is
// persisted and the pending entry retired.
func (b *Broker) CheckQRStatus(ctx context.Context, key string) (*QRStatus, error) {
	b.mu.Lock()
	qs, ok := b.pendingQR[key]
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	tokenURL, _, authenticated, expired, user, err := qs.snapshot()
	status := &QRStatus{Authenticated: authenticated, Expired: expired, TokenURL: tokenURL}
	if err != nil && !authenticated {
		return status, err
	}
	if !authenticated {
		return status, nil
	}

	status.User = &user
	qs.mu.Lock()
	data := qs.sessionData
	qs.mu.Unlock()
	if err := b.store.Save(SessionBlob{
		UserID:   user.ID,
		Kind:     KindPyrogram,
		Data:     data,
		Username: user.Username,
	}); err != nil {
		b.log.Warn("Session persist failed", zap.Error(err))
	}

	b.mu.Lock()
	delete(b.pendingQR, key)
	b.mu.Unlock()
	qs.cancel()

	// Establish the long-lived client eagerly so the UI can list chats
	// right after login.
	if _, err := b.GetUserClient(ctx, user.ID); err != nil {
		b.log.Warn("Post-QR connect failed", zap.Int64("userID", user.ID), zap.Error(err))
	}
	return status, nil
}

// GetUserClient returns an active client for userID, reconnecting from the
// stored blob when needed. A dead auth key invalidates the blob.
func (b *Broker) GetUserClient(ctx context.Context, userID int64) (upstream.Client, error) {
	b.mu.Lock()
	if key, ok := b.byUser[userID]; ok {
		if client, live := b.active[key]; live {
			b.mu.Unlock()
			return client, nil
		}
	}
	b.mu.Unlock()

	blob, ok := b.store.Get(userID)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	client, err := upstream.NewGotdClient(ctx, upstream.ClientOptions{
		APIID:         b.apiID,
		APIHash:       b.apiHash,
		SessionString: blob.Data,
		SessionKind:   blob.Kind,
		Threads:       b.threads,
	}, b.log)
	if err != nil {
		if upstream.IsAuthError(err) {
			b.log.Warn("Stored session invalid, removing", zap.Int64("userID", userID))
			if ierr := b.store.Invalidate(userID); ierr != nil {
				b.log.Warn("Session invalidate failed", zap.Error(ierr))
			}
		}
		return nil, err
	}

	key := uuid.NewString()
	b.adopt(key, userID, client)
	b.log.Info("Session restored", zap.Int64("userID", userID))
	return client, nil
}

// ClientForKey resolves an active client by session key or by the stringified
// user id it was adopted under.
func (b *Broker) ClientForKey(key string) (upstream.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	client, ok := b.active[key]
	if !ok {
		return nil, ErrUnknownSession
	}
	return client, nil
}

// KeyForUser returns the active session key of userID.
func (b *Broker) KeyForUser(userID int64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.byUser[userID]
	return key, ok
}

// Logout closes and forgets the user's client and deletes the stored blob.
func (b *Broker) Logout(userID int64) error {
	b.mu.Lock()
	if key, ok := b.byUser[userID]; ok {
		if client, live := b.active[key]; live {
			client.Close()
		}
		delete(b.active, key)
		delete(b.byUser, userID)
	}
	b.mu.Unlock()

	b.pages.clear()
	return b.store.Invalidate(userID)
}

// RestoreSessions reconnects every persisted session on startup.
func (b *Broker) RestoreSessions(ctx context.Context) {
	for _, blob := range b.store.All() {
		if _, err := b.GetUserClient(ctx, blob.UserID); err != nil {
			b.log.Warn("Session restore failed", zap.Int64("userID", blob.UserID), zap.Error(err))
		}
	}
}

// Close stops every active client.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, client := range b.active {
		client.Close()
		delete(b.active, key)
	}
}

// ListGroups pages through the user's dialogs, skipping chats that cannot
// be read back.
func (b *Broker) ListGroups(ctx context.Context, userID int64) ([]*upstream.Chat, error) {
	client, err := b.GetUserClient(ctx, userID)
	if err != nil {
		return nil, err
	}
	dialogs, err := client.ListDialogs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*upstream.Chat, 0, len(dialogs))
	for _, chat := range dialogs {
		if chat.Type == upstream.ChatBot {
			continue
		}
		out = append(out, chat)
	}
	return out, nil
}

// groupContinuationLimit caps how many extra messages are read so a media
// group never splits across pages.
const groupContinuationLimit = 20

// ListMessages returns one normalized page of chat history, newest first.
// When the last message of the window belongs to a media group, the page is
// extended until the group changes or the continuation budget is spent.
func (b *Broker) ListMessages(ctx context.Context, userID, chatID int64, limit, offsetID int, mediaOnly bool) ([]*upstream.Message, error) {
	cacheKey := pageKey(userID, chatID, limit, offsetID, mediaOnly)
	if page, ok := b.pages.get(cacheKey); ok {
		return page, nil
	}

	client, err := b.GetUserClient(ctx, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := client.ChatHistory(ctx, chatID, upstream.HistoryOptions{Limit: limit, OffsetID: offsetID})
	if err != nil {
		return nil, err
	}

	if n := len(msgs); n > 0 && msgs[n-1].MediaGroupID != 0 {
		msgs = b.extendMediaGroup(ctx, client, chatID, msgs)
	}

	applyGroupCaptions(msgs)

	if mediaOnly {
		filtered := msgs[:0]
		for _, msg := range msgs {
			if msg.HasMedia() {
				filtered = append(filtered, msg)
			}
		}
		msgs = filtered
	}

	b.pages.set(cacheKey, msgs)
	return msgs, nil
}

func (b *Broker) extendMediaGroup(ctx context.Context, client upstream.Client, chatID int64, msgs []*upstream.Message) []*upstream.Message {
	last := msgs[len(msgs)-1]
	extra, err := client.ChatHistory(ctx, chatID, upstream.HistoryOptions{
		Limit:    groupContinuationLimit,
		OffsetID: last.ID,
	})
	if err != nil {
		b.log.Debug("Media-group continuation failed", zap.Error(err))
		return msgs
	}
	for _, msg := range extra {
		if msg.MediaGroupID != last.MediaGroupID {
			break
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// applyGroupCaptions copies the caption of the captioned sibling onto the
// uncaptioned members of each media group.
func applyGroupCaptions(msgs []*upstream.Message) {
	captions := make(map[int64]string)
	for _, msg := range msgs {
		if msg.MediaGroupID != 0 && msg.Caption != "" {
			captions[msg.MediaGroupID] = msg.Caption
		}
	}
	if len(captions) == 0 {
		return
	}
	for _, msg := range msgs {
		if msg.MediaGroupID != 0 && msg.Caption == "" && msg.HasMedia() {
			msg.Caption = captions[msg.MediaGroupID]
		}
	}
}

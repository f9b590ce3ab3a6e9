package upstream

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
)

// downloadPartSize is the chunk size requested from the upstream; must be a
// multiple of 4096.
const downloadPartSize = 512 * 1024

// GotdClient implements Client on top of a gotgproto user session.
type GotdClient struct {
	client *gotgproto.Client
	log    *zap.Logger

	// maxTransmissions bounds parallel part fetches per download.
	threads int
}

// ClientOptions configures session construction.
type ClientOptions struct {
	APIID   int
	APIHash string
	// SessionString restores a previously exported session; SessionKind
	// selects the decoder ("native" default, or "pyrogram").
	SessionString string
	SessionKind   string
	// Phone starts an interactive phone login when no session exists;
	// Conversator supplies the code/password prompts.
	Phone       string
	Conversator gotgproto.AuthConversator
	// BotToken authorizes as a bot instead of a user.
	BotToken string
	// Threads caps parallel part fetches per transfer.
	Threads int
}

// NewGotdClient connects and authorizes a user client.
func NewGotdClient(ctx context.Context, opts ClientOptions, log *zap.Logger) (*GotdClient, error) {
	var session sessionMaker.SessionConstructor
	switch {
	case opts.SessionString != "" && opts.SessionKind == "pyrogram":
		session = sessionMaker.PyrogramSession(opts.SessionString)
	case opts.SessionString != "":
		session = sessionMaker.StringSession(opts.SessionString)
	default:
		session = sessionMaker.SimpleSession()
	}

	clientOpts := &gotgproto.ClientOpts{
		Session:          session,
		DisableCopyright: true,
		Middlewares:      FloodMiddleware(),
		Context:          ctx,
	}
	if opts.Conversator != nil {
		clientOpts.AuthConversator = opts.Conversator
	}

	clientType := gotgproto.ClientTypePhone(opts.Phone)
	if opts.BotToken != "" {
		clientType = gotgproto.ClientTypeBot(opts.BotToken)
	}

	client, err := gotgproto.NewClient(
		opts.APIID,
		opts.APIHash,
		clientType,
		clientOpts,
	)
	if err != nil {
		return nil, fmt.Errorf("start client: %w", mapRPCError(err))
	}

	return &GotdClient{
		client:  client,
		log:     log.Named("Upstream"),
		threads: normalizeThreads(opts.Threads),
	}, nil
}

// normalizeThreads clamps the per-transfer parallelism to a usable value.
func normalizeThreads(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}

// Raw exposes the underlying gotgproto client for auth plumbing.
func (c *GotdClient) Raw() *gotgproto.Client { return c.client }

func (c *GotdClient) Self() UserInfo {
	self := c.client.Self
	if self == nil {
		return UserInfo{}
	}
	return UserInfo{
		ID:        self.ID,
		Username:  self.Username,
		FirstName: self.FirstName,
		LastName:  self.LastName,
		Phone:     self.Phone,
	}
}

func (c *GotdClient) ExportSessionString() (string, error) {
	return c.client.ExportStringSession()
}

func (c *GotdClient) Close() error {
	c.client.Stop()
	return nil
}

// GetChat resolves one dialog by its id.
func (c *GotdClient) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	peer := c.client.PeerStorage.GetInputPeerById(chatID)
	switch p := peer.(type) {
	case *tg.InputPeerChannel:
		res, err := c.client.API().ChannelsGetChannels(ctx, []tg.InputChannelClass{
			&tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash},
		})
		if err != nil {
			return nil, mapRPCError(err)
		}
		for _, raw := range res.GetChats() {
			if channel, ok := raw.(*tg.Channel); ok {
				return chatFromChannel(channel), nil
			}
		}
		return nil, ErrNotFound
	case *tg.InputPeerChat:
		res, err := c.client.API().MessagesGetChats(ctx, []int64{p.ChatID})
		if err != nil {
			return nil, mapRPCError(err)
		}
		for _, raw := range res.GetChats() {
			if chat, ok := raw.(*tg.Chat); ok {
				return chatFromBasicGroup(chat), nil
			}
		}
		return nil, ErrNotFound
	case *tg.InputPeerUser:
		users, err := c.client.API().UsersGetUsers(ctx, []tg.InputUserClass{
			&tg.InputUser{UserID: p.UserID, AccessHash: p.AccessHash},
		})
		if err != nil {
			return nil, mapRPCError(err)
		}
		for _, raw := range users {
			if user, ok := raw.(*tg.User); ok {
				return chatFromUser(user), nil
			}
		}
		return nil, ErrNotFound
	}
	// Unknown peer: walking the dialog list also warms the peer storage.
	chats, err := c.ListDialogs(ctx)
	if err != nil {
		return nil, err
	}
	for _, chat := range chats {
		if chat.ID == chatID {
			return chat, nil
		}
	}
	return nil, fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
}

// ListDialogs pages through all dialogs.
func (c *GotdClient) ListDialogs(ctx context.Context) ([]*Chat, error) {
	var (
		out        []*Chat
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)
	seen := make(map[int64]bool)
	for {
		res, err := c.client.API().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      100,
		})
		if err != nil {
			return nil, mapRPCError(err)
		}

		var (
			dialogs  []tg.DialogClass
			chats    []tg.ChatClass
			users    []tg.UserClass
			messages []tg.MessageClass
		)
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			dialogs, chats, users, messages = d.Dialogs, d.Chats, d.Users, d.Messages
		case *tg.MessagesDialogsSlice:
			dialogs, chats, users, messages = d.Dialogs, d.Chats, d.Users, d.Messages
		default:
			return out, nil
		}

		for _, raw := range chats {
			switch chat := raw.(type) {
			case *tg.Channel:
				normalized := chatFromChannel(chat)
				if !seen[normalized.ID] {
					seen[normalized.ID] = true
					out = append(out, normalized)
				}
			case *tg.Chat:
				normalized := chatFromBasicGroup(chat)
				if !seen[normalized.ID] {
					seen[normalized.ID] = true
					out = append(out, normalized)
				}
			}
		}
		for _, raw := range users {
			if user, ok := raw.(*tg.User); ok && !user.Self {
				normalized := chatFromUser(user)
				if !seen[normalized.ID] {
					seen[normalized.ID] = true
					out = append(out, normalized)
				}
			}
		}

		if len(dialogs) < 100 {
			return out, nil
		}
		last, ok := messages[len(messages)-1].(*tg.Message)
		if !ok {
			return out, nil
		}
		offsetDate = last.Date
		offsetID = last.ID
		offsetPeer = peerFromDialog(dialogs[len(dialogs)-1], chats, users)
	}
}

func peerFromDialog(dialog tg.DialogClass, chats []tg.ChatClass, users []tg.UserClass) tg.InputPeerClass {
	d, ok := dialog.(*tg.Dialog)
	if !ok {
		return &tg.InputPeerEmpty{}
	}
	switch peer := d.Peer.(type) {
	case *tg.PeerChannel:
		for _, raw := range chats {
			if channel, ok := raw.(*tg.Channel); ok && channel.ID == peer.ChannelID {
				return channel.AsInputPeer()
			}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: peer.ChatID}
	case *tg.PeerUser:
		for _, raw := range users {
			if user, ok := raw.(*tg.User); ok && user.ID == peer.UserID {
				return user.AsInputPeer()
			}
		}
	}
	return &tg.InputPeerEmpty{}
}

// toInputMessages wraps plain ids for the raw API.
func toInputMessages(messageIDs []int) []tg.InputMessageClass {
	out := make([]tg.InputMessageClass, 0, len(messageIDs))
	for _, id := range messageIDs {
		out = append(out, &tg.InputMessageID{ID: id})
	}
	return out
}

// GetMessages fetches up to MaxBatchMessages by id.
func (c *GotdClient) GetMessages(ctx context.Context, chatID int64, messageIDs []int) ([]*Message, error) {
	if len(messageIDs) > MaxBatchMessages {
		return nil, fmt.Errorf("batch of %d exceeds the %d message limit", len(messageIDs), MaxBatchMessages)
	}
	raws, err := c.client.CreateContext().GetMessages(chatID, toInputMessages(messageIDs))
	if err != nil {
		return nil, mapRPCError(err)
	}
	title := c.chatTitle(ctx, chatID)
	out := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		msg, ok := raw.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, messageFromTG(msg, chatID, title))
	}
	return out, nil
}

// ChatHistory reads one page of history.
func (c *GotdClient) ChatHistory(ctx context.Context, chatID int64, opts HistoryOptions) ([]*Message, error) {
	peer := c.client.PeerStorage.GetInputPeerById(chatID)
	if peer.Zero() {
		if _, err := c.GetChat(ctx, chatID); err != nil {
			return nil, err
		}
		peer = c.client.PeerStorage.GetInputPeerById(chatID)
	}

	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	req := &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: opts.OffsetID,
		MaxID:    opts.MaxID,
		Limit:    limit,
	}
	if opts.Reverse {
		// Read forward from the offset: flip the window.
		req.AddOffset = -limit
	}
	res, err := c.client.API().MessagesGetHistory(ctx, req)
	if err != nil {
		return nil, mapRPCError(err)
	}

	var raws []tg.MessageClass
	switch h := res.(type) {
	case *tg.MessagesMessages:
		raws = h.Messages
	case *tg.MessagesMessagesSlice:
		raws = h.Messages
	case *tg.MessagesChannelMessages:
		raws = h.Messages
	default:
		return nil, nil
	}

	title := c.chatTitle(ctx, chatID)
	out := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		if msg, ok := raw.(*tg.Message); ok {
			out = append(out, messageFromTG(msg, chatID, title))
		}
	}
	return out, nil
}

// FetchMessage re-reads one message to refresh its file references.
func (c *GotdClient) FetchMessage(ctx context.Context, msg *Message) (*Message, error) {
	fresh, err := c.GetMessages(ctx, msg.ChatID, []int{msg.ID})
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return nil, fmt.Errorf("message %d: %w", msg.ID, ErrNotFound)
	}
	return fresh[0], nil
}

// progressWriter counts written bytes and reports through the callback.
type progressWriter struct {
	progress ProgressFunc
	total    int64
	written  int64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.progress != nil {
		if err := w.progress(w.written, w.total); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// DownloadMedia streams the message media to path. The progress callback may
// abort the transfer by returning ErrTransmissionStopped.
func (c *GotdClient) DownloadMedia(ctx context.Context, msg *Message, path string, progress ProgressFunc) (string, error) {
	raw, err := c.rawMessage(ctx, msg)
	if err != nil {
		return "", err
	}
	loc, err := locationFromMessage(raw)
	if err != nil {
		return "", err
	}

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	pw := &progressWriter{progress: progress, total: loc.size}

	_, err = downloader.NewDownloader().
		WithPartSize(downloadPartSize).
		Download(c.client.API(), loc.location).
		WithThreads(c.threads).
		Stream(ctx, teeWriter{out, pw})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTransmissionStopped) {
			return "", ErrTransmissionStopped
		}
		return "", mapRPCError(err)
	}
	return path, nil
}

// teeWriter feeds the file and the progress counter in one pass.
type teeWriter struct {
	file *os.File
	pw   *progressWriter
}

func (t teeWriter) Write(p []byte) (int, error) {
	n, err := t.file.Write(p)
	if err != nil {
		return n, err
	}
	return t.pw.Write(p)
}

func (c *GotdClient) rawMessage(ctx context.Context, msg *Message) (*tg.Message, error) {
	raws, err := c.client.CreateContext().GetMessages(msg.ChatID, toInputMessages([]int{msg.ID}))
	if err != nil {
		return nil, mapRPCError(err)
	}
	for _, raw := range raws {
		if m, ok := raw.(*tg.Message); ok && m.ID == msg.ID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %d: %w", msg.ID, ErrNotFound)
}

// SendMessage posts a plain text message and returns its id.
func (c *GotdClient) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	sent, err := c.client.CreateContext().SendMessage(chatID, &tg.MessagesSendMessageRequest{
		Message: text,
	})
	if err != nil {
		return 0, mapRPCError(err)
	}
	return sent.ID, nil
}

// EditMessage replaces the text of an existing message.
func (c *GotdClient) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	_, err := c.client.CreateContext().EditMessage(chatID, &tg.MessagesEditMessageRequest{
		ID:      messageID,
		Message: text,
	})
	if err != nil {
		return mapRPCError(err)
	}
	return nil
}

func (c *GotdClient) chatTitle(ctx context.Context, chatID int64) string {
	chat, err := c.GetChat(ctx, chatID)
	if err != nil {
		return ""
	}
	return chat.Title
}

func chatFromChannel(channel *tg.Channel) *Chat {
	chatType := ChatChannel
	if channel.Megagroup {
		chatType = ChatSupergroup
	}
	count, _ := channel.GetParticipantsCount()
	return &Chat{
		ID:                  channel.ID,
		Title:               channel.Title,
		Type:                chatType,
		Username:            channel.Username,
		MembersCount:        count,
		HasProtectedContent: channel.Noforwards,
	}
}

func chatFromBasicGroup(chat *tg.Chat) *Chat {
	return &Chat{
		ID:                  chat.ID,
		Title:               chat.Title,
		Type:                ChatGroup,
		MembersCount:        chat.ParticipantsCount,
		HasProtectedContent: chat.Noforwards,
	}
}

func chatFromUser(user *tg.User) *Chat {
	chatType := ChatUser
	if user.Bot {
		chatType = ChatBot
	}
	title := user.FirstName
	if user.LastName != "" {
		title += " " + user.LastName
	}
	return &Chat{
		ID:       user.ID,
		Title:    title,
		Type:     chatType,
		Username: user.Username,
	}
}

// mapRPCError folds upstream errors into the engine's error classes.
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &FloodWaitError{Duration: wait}
	}
	if tgerr.Is(err, "AUTH_KEY_UNREGISTERED") || tgerr.Is(err, "SESSION_REVOKED") || tgerr.Is(err, "SESSION_EXPIRED") || tgerr.Is(err, "USER_DEACTIVATED") {
		return fmt.Errorf("%v: %w", err, ErrAuthKeyUnregistered)
	}
	if tgerr.Is(err, "FILE_REFERENCE_EXPIRED") || tgerr.IsCode(err, 400) {
		return fmt.Errorf("%v: %w", err, ErrBadRequest)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}
	var rpc *tgerr.Error
	if errors.As(err, &rpc) && rpc.Code == 401 {
		return fmt.Errorf("%v: %w", err, ErrAuthKeyUnregistered)
	}
	return err
}

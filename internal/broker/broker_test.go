package broker

import (
	"encoding/base64"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tgdl/internal/upstream"
)

func TestSessionStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewSessionStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Save(SessionBlob{UserID: 42, Kind: KindNative, Data: "blob-a", Phone: "+100"}))
	require.NoError(t, store.Save(SessionBlob{UserID: 7, Kind: KindPyrogram, Data: "blob-b"}))

	reopened, err := NewSessionStore(path)
	require.NoError(t, err)

	blob, ok := reopened.Get(42)
	require.True(t, ok)
	assert.Equal(t, "blob-a", blob.Data)
	assert.Equal(t, KindNative, blob.Kind)
	assert.Equal(t, "+100", blob.Phone)
	assert.NotEmpty(t, blob.SavedAt)
	assert.Len(t, reopened.All(), 2)
}

func TestSessionStoreInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewSessionStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Save(SessionBlob{UserID: 1, Kind: KindNative, Data: "x"}))
	require.NoError(t, store.Invalidate(1))
	require.NoError(t, store.Invalidate(1)) // idempotent

	_, ok := store.Get(1)
	assert.False(t, ok)

	reopened, err := NewSessionStore(path)
	require.NoError(t, err)
	assert.Empty(t, reopened.All())
}

func TestSessionStoreNoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	store, err := NewSessionStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(SessionBlob{UserID: 9, Kind: KindNative, Data: "y"}))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestEncodePyrogramSessionLayout(t *testing.T) {
	authKey := make([]byte, 256)
	for i := range authKey {
		authKey[i] = byte(i)
	}
	encoded := encodePyrogramSession(4, 12345, authKey, 987654321)

	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(encoded)
	require.NoError(t, err)
	require.Len(t, raw, 271)

	assert.Equal(t, byte(4), raw[0])
	assert.Equal(t, uint32(12345), binary.BigEndian.Uint32(raw[1:5]))
	assert.Equal(t, byte(0), raw[5]) // test_mode
	assert.Equal(t, authKey, raw[6:262])
	assert.Equal(t, uint64(987654321), binary.BigEndian.Uint64(raw[262:270]))
	assert.Equal(t, byte(0), raw[270]) // is_bot
}

func TestPageCacheRoundtrip(t *testing.T) {
	cache := newPageCache()
	key := pageKey(1, 2, 50, 0, true)

	page := []*upstream.Message{
		{ID: 10, Caption: "first", Media: &upstream.Media{Type: upstream.MediaPhoto, FileSize: 100}},
		{ID: 11, Text: "plain"},
	}
	cache.set(key, page)

	got, ok := cache.get(key)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, 10, got[0].ID)
	assert.Equal(t, "first", got[0].Caption)
	require.NotNil(t, got[0].Media)
	assert.Equal(t, upstream.MediaPhoto, got[0].Media.Type)
	assert.Nil(t, got[1].Media)

	_, ok = cache.get(pageKey(1, 2, 50, 0, false))
	assert.False(t, ok)

	cache.clear()
	_, ok = cache.get(key)
	assert.False(t, ok)
}

func TestApplyGroupCaptions(t *testing.T) {
	msgs := []*upstream.Message{
		{ID: 1, MediaGroupID: 77, Caption: "album caption", Media: &upstream.Media{Type: upstream.MediaPhoto}},
		{ID: 2, MediaGroupID: 77, Media: &upstream.Media{Type: upstream.MediaPhoto}},
		{ID: 3, MediaGroupID: 77, Media: &upstream.Media{Type: upstream.MediaVideo}},
		{ID: 4, Media: &upstream.Media{Type: upstream.MediaPhoto}},
		{ID: 5, MediaGroupID: 88, Media: &upstream.Media{Type: upstream.MediaPhoto}},
	}
	applyGroupCaptions(msgs)

	assert.Equal(t, "album caption", msgs[1].Caption)
	assert.Equal(t, "album caption", msgs[2].Caption)
	assert.Empty(t, msgs[3].Caption)
	assert.Empty(t, msgs[4].Caption)
}

func TestWebConversatorCodeFlow(t *testing.T) {
	conv := newWebConversator("+155501")

	phone, err := conv.AskPhoneNumber()
	require.NoError(t, err)
	assert.Equal(t, "+155501", phone)

	conv.codeCh <- "12345"
	code, err := conv.AskCode()
	require.NoError(t, err)
	assert.Equal(t, "12345", code)
}

func TestWebConversatorPasswordSignal(t *testing.T) {
	conv := newWebConversator("+155501")

	done := make(chan string, 1)
	go func() {
		password, err := conv.AskPassword()
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- password
	}()

	select {
	case <-conv.passwordNeeded:
	case <-time.After(2 * time.Second):
		t.Fatal("password signal never fired")
	}
	conv.passwordCh <- "hunter2"

	select {
	case got := <-done:
		assert.Equal(t, "hunter2", got)
	case <-time.After(2 * time.Second):
		t.Fatal("AskPassword did not return")
	}
}

func TestBrokerUnknownSession(t *testing.T) {
	store, err := NewSessionStore(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)
	b := New(1, "hash", 4, store, zap.NewNop())

	_, err = b.VerifyCode("no-such-key", "000")
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = b.ClientForKey("no-such-key")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

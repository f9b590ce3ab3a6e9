package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tgdl/internal/task"
	"tgdl/internal/upstream"
)

type fakeBotClient struct {
	upstream.Client

	mu      sync.Mutex
	sent    []string
	edits   []string
	editErr error
	nextID  int
}

func (f *fakeBotClient) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeBotClient) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeBotClient) editTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits...)
}

func newWatchedNode(client upstream.Client) *task.TaskNode {
	node := task.NewNode(-5).WithClient(client)
	node.AddTask(1)
	node.AddTask(2)
	return node
}

func TestAnnounceSetsReplyMessage(t *testing.T) {
	client := &fakeBotClient{}
	n := NewNotifier(client, zap.NewNop())
	node := newWatchedNode(client)

	require.NoError(t, n.Announce(context.Background(), node, 99))
	assert.Equal(t, 1, node.ReplyMessageID)
	assert.Equal(t, int64(99), node.FromUserID)
	assert.Contains(t, client.sent[0], "2 files")
}

func TestWatchEditsUntilDoneThenSummarizes(t *testing.T) {
	client := &fakeBotClient{}
	n := NewNotifier(client, zap.NewNop())
	n.interval = time.Millisecond
	n.sleep = func(time.Duration) {}

	node := newWatchedNode(client)
	node.ReplyMessageID = 7
	node.FromUserID = 99

	done := make(chan struct{})
	go func() {
		n.Watch(context.Background(), node)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	node.RecordOutcome(1, task.StatusSuccess)
	node.RecordOutcome(2, task.StatusFailed)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not finish after the node settled")
	}

	edits := client.editTexts()
	require.NotEmpty(t, edits)
	assert.Contains(t, edits[len(edits)-1], "1 successful, 1 failed")
}

func TestWatchSkipsNodesWithoutReplyMessage(t *testing.T) {
	client := &fakeBotClient{}
	n := NewNotifier(client, zap.NewNop())
	node := newWatchedNode(client)

	n.Watch(context.Background(), node)
	assert.Empty(t, client.editTexts())
}

func TestWatchSurvivesEditFailures(t *testing.T) {
	client := &fakeBotClient{editErr: context.DeadlineExceeded}
	n := NewNotifier(client, zap.NewNop())
	n.interval = time.Millisecond
	n.sleep = func(time.Duration) {}

	node := newWatchedNode(client)
	node.ReplyMessageID = 7
	node.FromUserID = 99
	node.RecordOutcome(1, task.StatusSuccess)
	node.RecordOutcome(2, task.StatusSuccess)

	// Node already settled; Watch should do one summary attempt and return.
	n.Watch(context.Background(), node)
	assert.Empty(t, client.editTexts())
}

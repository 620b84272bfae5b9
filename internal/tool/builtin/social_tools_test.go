package builtin

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maha0525/saiverse/internal/social"
	"github.com/maha0525/saiverse/internal/tool"
)

func newTestReplyLog(t *testing.T) *social.ReplyLog {
	t.Helper()
	log, err := social.OpenReplyLog(filepath.Join(t.TempDir(), "reply_log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestReplyTweetToolRefusesDoubleReply(t *testing.T) {
	rt := &ReplyTweetTool{Log: newTestReplyLog(t)}
	pc := &tool.PersonaContext{PersonaID: "p1"}
	ctx := context.Background()

	first, err := rt.Call(ctx, pc, map[string]any{"text": "hello", "in_reply_to_tweet_id": "T"})
	require.NoError(t, err)
	require.Equal(t, "[Xリプライ] ツイート(ID: T)に返信しました。", first["result"])

	second, err := rt.Call(ctx, pc, map[string]any{"text": "hello again", "in_reply_to_tweet_id": "T"})
	require.NoError(t, err)
	require.Equal(t, "[Xリプライ] このツイート(ID: T)には既にリプライ済みです。", second["result"])
}

func TestReplyTweetToolRejectsOverlongText(t *testing.T) {
	rt := &ReplyTweetTool{Log: newTestReplyLog(t)}
	pc := &tool.PersonaContext{PersonaID: "p1"}

	long := make([]rune, 281)
	for i := range long {
		long[i] = 'a'
	}
	result, err := rt.Call(context.Background(), pc, map[string]any{"text": string(long), "in_reply_to_tweet_id": "T"})
	require.NoError(t, err)
	require.Contains(t, result["result"], "281文字")

	ok, err := rt.Log.RepliedTo(context.Background(), "T")
	require.NoError(t, err)
	require.False(t, ok, "an overlong reply must not claim the tweet id")
}

// TestReplyTweetToolConcurrentClaimsYieldOneSuccess exercises the UNIQUE
// constraint under contention: N goroutines race to reply to the same
// tweet, and exactly one succeeds regardless of ordering.
func TestReplyTweetToolConcurrentClaimsYieldOneSuccess(t *testing.T) {
	rt := &ReplyTweetTool{Log: newTestReplyLog(t)}
	pc := &tool.PersonaContext{PersonaID: "p1"}

	const n = 8
	results := make([]map[string]any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := rt.Call(context.Background(), pc, map[string]any{
				"text": fmt.Sprintf("reply %d", i), "in_reply_to_tweet_id": "shared",
			})
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	successes, refusals := 0, 0
	for _, r := range results {
		switch r["result"] {
		case "[Xリプライ] ツイート(ID: shared)に返信しました。":
			successes++
		case "[Xリプライ] このツイート(ID: shared)には既にリプライ済みです。":
			refusals++
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, n-1, refusals)
}

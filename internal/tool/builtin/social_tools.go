package builtin

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/maha0525/saiverse/internal/social"
	"github.com/maha0525/saiverse/internal/tool"
)

// ReplyTweetTool implements x_reply_tweet: after the text-length check, the
// double-reply guard claims the tweet id in the reply log before anything
// else runs, so a second reply to
// the same tweet is refused at the database level instead of raced against
// an external API. Posting itself (OAuth, HTTP) stays out of scope; a
// successful claim returns a stub confirmation.
type ReplyTweetTool struct {
	Log *social.ReplyLog
}

func (t *ReplyTweetTool) Name() string          { return "x_reply_tweet" }
func (t *ReplyTweetTool) Description() string   { return "Reply to a tweet, refusing a tweet already replied to" }
func (t *ReplyTweetTool) RequiresApproval() bool { return true }

func (t *ReplyTweetTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":                 map[string]any{"type": "string"},
			"in_reply_to_tweet_id": map[string]any{"type": "string"},
		},
		"required": []any{"text", "in_reply_to_tweet_id"},
	}
}

const maxTweetRunes = 280

func (t *ReplyTweetTool) Call(ctx context.Context, pc *tool.PersonaContext, args map[string]any) (map[string]any, error) {
	text, _ := args["text"].(string)
	tweetID, _ := args["in_reply_to_tweet_id"].(string)

	if n := len([]rune(text)); n > maxTweetRunes {
		return map[string]any{"result": fmt.Sprintf("[Xリプライエラー] リプライが280文字を超えています（%d文字）。短くしてください。", n)}, nil
	}

	replyTweetID := uuid.NewString()
	if err := t.Log.Claim(ctx, tweetID, pc.GetActivePersonaId(), replyTweetID); err != nil {
		if err == social.ErrAlreadyReplied {
			return map[string]any{"result": fmt.Sprintf("[Xリプライ] このツイート(ID: %s)には既にリプライ済みです。", tweetID)}, nil
		}
		return nil, err
	}

	return map[string]any{"result": fmt.Sprintf("[Xリプライ] ツイート(ID: %s)に返信しました。", tweetID)}, nil
}

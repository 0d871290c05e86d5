package chat_stream

import (
	"fmt"

	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	jobrt "github.com/yungbote/threadline-backend/internal/jobs/runtime"
	chatmod "github.com/yungbote/threadline-backend/internal/modules/chat"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	threadID, ok := jc.PayloadUUID("thread_id")
	if !ok {
		jc.Fail("validate", fmt.Errorf("missing thread_id"))
		return nil
	}
	promptID, ok := jc.PayloadUUID("prompt_message_id")
	if !ok {
		jc.Fail("validate", fmt.Errorf("missing prompt_message_id"))
		return nil
	}
	userID := jc.Job.OwnerUserID
	if id, ok := jc.PayloadUUID("user_id"); ok {
		userID = id
	}
	model, err := domainchat.ParseModelID(jc.PayloadString("model"))
	if err != nil {
		// the reply still has to be recorded as failed, so the step gets the raw id
		model = domainchat.ModelID(jc.PayloadString("model"))
	}

	jc.Progress("stream", 5, "Streaming reply")
	out, err := p.chat.WithLog(jc.Log).StreamReply(jc.Ctx, chatmod.StreamInput{
		UserID:       userID,
		ThreadID:     threadID,
		PromptID:     promptID,
		Model:        model,
		InsideMatrix: jc.PayloadBool("inside_matrix"),
		OnFragment:   jc.Heartbeat,
	})
	if err != nil {
		jc.Fail("stream", err)
		return nil
	}
	jc.Succeed("done", out)
	return nil
}

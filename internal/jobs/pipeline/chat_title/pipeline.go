package chat_title

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
	userID := jc.Job.OwnerUserID
	if id, ok := jc.PayloadUUID("user_id"); ok {
		userID = id
	}
	model, err := domainchat.ParseModelID(jc.PayloadString("model"))
	if err != nil {
		model = domainchat.ModelGemini
	}

	jc.Progress("title", 10, "Generating title")
	out, err := p.chat.WithLog(jc.Log).GenerateTitle(jc.Ctx, chatmod.TitleInput{
		UserID:   userID,
		ThreadID: threadID,
		Model:    model,
	})
	if err != nil {
		jc.Fail("title", err)
		return nil
	}
	jc.Succeed("done", out)
	return nil
}

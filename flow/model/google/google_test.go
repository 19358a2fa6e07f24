package google

import (
	"context"
	"errors"
	"testing"

	"github.com/searchflow/searchflow-go/flow/model"
)

type fakeContentClient struct {
	messages []model.Message
	out      model.ChatOut
	err      error
}

func (f *fakeContentClient) generateContent(_ context.Context, messages []model.Message) (model.ChatOut, error) {
	f.messages = messages
	return f.out, f.err
}

func TestChat(t *testing.T) {
	fake := &fakeContentClient{out: model.ChatOut{Text: "answer"}}
	m := &ChatModel{modelName: defaultModel, client: fake}

	out, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "q"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.Text != "answer" {
		t.Fatalf("got %+v", out)
	}
}

func TestChatHonorsCancelledContext(t *testing.T) {
	fake := &fakeContentClient{}
	m := &ChatModel{modelName: defaultModel, client: fake}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Chat(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if fake.messages != nil {
		t.Fatal("client must not be called with a dead context")
	}
}

func TestGenerateContentRequiresKey(t *testing.T) {
	c := &sdkClient{modelName: defaultModel}
	if _, err := c.generateContent(context.Background(), nil); err == nil {
		t.Fatal("expected an error without an API key")
	}
}

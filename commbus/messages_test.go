package commbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// anonymousMessage is a message type unknown to the routing switch.
type anonymousMessage struct{}

func (m *anonymousMessage) Category() string { return string(MessageCategoryEvent) }

// TestGetMessageTypeKnownTypes verifies routing names for every message.
func TestGetMessageTypeKnownTypes(t *testing.T) {
	cases := []struct {
		msg  Message
		want string
	}{
		{&RunStarted{}, "RunStarted"},
		{&RunCompleted{}, "RunCompleted"},
		{&RunFailed{}, "RunFailed"},
		{&StageStarted{}, "StageStarted"},
		{&StageCompleted{}, "StageCompleted"},
		{&StageFailed{}, "StageFailed"},
		{&ApprovalRequested{}, "ApprovalRequested"},
		{&ApprovalResolved{}, "ApprovalResolved"},
		{&GetPendingApproval{}, "GetPendingApproval"},
		{&GetRunStatus{}, "GetRunStatus"},
		{&CancelRun{}, "CancelRun"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, GetMessageType(tc.msg))
	}
}

// TestGetMessageTypeUnknown verifies unrecognized messages route as Unknown.
func TestGetMessageTypeUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", GetMessageType(&anonymousMessage{}))
}

// TestTypedMessageOverridesRouting verifies TypedMessage beats the static
// type switch.
func TestTypedMessageOverridesRouting(t *testing.T) {
	assert.Equal(t, "TestCommand", GetMessageType(&testCommand{}))
}

// TestMessageCategories verifies each message declares the right category.
func TestMessageCategories(t *testing.T) {
	events := []Message{
		&RunStarted{}, &RunCompleted{}, &RunFailed{},
		&StageStarted{}, &StageCompleted{}, &StageFailed{},
		&ApprovalRequested{}, &ApprovalResolved{},
	}
	for _, e := range events {
		assert.Equal(t, string(MessageCategoryEvent), e.Category(), "event %s", GetMessageType(e))
	}

	queries := []Message{&GetPendingApproval{}, &GetRunStatus{}}
	for _, q := range queries {
		assert.Equal(t, string(MessageCategoryQuery), q.Category(), "query %s", GetMessageType(q))
	}

	assert.Equal(t, string(MessageCategoryCommand), (&CancelRun{}).Category())
}

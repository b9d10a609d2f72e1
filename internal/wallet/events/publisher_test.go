package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishEvent(ctx context.Context, topic string, event *Event) error {
	args := m.Called(ctx, topic, event)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	return m.Called().Error(0)
}

func TestPublishFansOut(t *testing.T) {
	ctx := context.Background()
	event := NewEvent(DepositConfirmed, "0xabc", "confirmed")

	first, second := new(MockPublisher), new(MockPublisher)
	first.On("PublishEvent", ctx, "settlement", event).Return(nil)
	second.On("PublishEvent", ctx, "settlement", event).Return(errors.New("broker down"))

	p := NewEventPublisher([]Publisher{first, second}, "settlement", zaptest.NewLogger(t))
	assert.NoError(t, p.Publish(ctx, event))

	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestPublishFailsWhenAllSinksFail(t *testing.T) {
	ctx := context.Background()
	event := NewEvent(WithdrawalFailed, "id", "failed")

	only := new(MockPublisher)
	only.On("PublishEvent", ctx, "settlement", event).Return(errors.New("timeout"))

	p := NewEventPublisher([]Publisher{only}, "settlement", zaptest.NewLogger(t))
	assert.Error(t, p.Publish(ctx, event))
	assert.Error(t, p.Publish(ctx, nil))
}

func TestPublishWithoutSinksIsNoop(t *testing.T) {
	p := NewEventPublisher(nil, "settlement", zaptest.NewLogger(t))
	assert.NoError(t, p.Publish(context.Background(), NewEvent(DepositFailed, "0x1", "failed")))
	assert.NoError(t, p.Close())
}

func TestCloseClosesEverySink(t *testing.T) {
	first, second := new(MockPublisher), new(MockPublisher)
	first.On("Close").Return(errors.New("flush failed"))
	second.On("Close").Return(nil)

	p := NewEventPublisher([]Publisher{first, second}, "settlement", zaptest.NewLogger(t))
	assert.EqualError(t, p.Close(), "flush failed")
	second.AssertCalled(t, "Close")
}

package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestShutdownManager_RunsFuncsInReverse(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, time.Second)

	var order []int
	sm.RegisterShutdownFunc(func(ctx context.Context) error { order = append(order, 1); return nil })
	sm.RegisterShutdownFunc(func(ctx context.Context) error { order = append(order, 2); return nil })

	assert.NoError(t, sm.Shutdown())
	assert.Equal(t, []int{2, 1}, order)
}

func TestShutdownManager_ReportsErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	server := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(logger, time.Second, server)
	sm.RegisterShutdownFunc(func(ctx context.Context) error { return errors.New("close failed") })

	err := sm.Shutdown()
	assert.Error(t, err)
	assert.NotEmpty(t, hook.AllEntries())
}

func TestRecoverPanic(t *testing.T) {
	logger, hook := test.NewNullLogger()

	func() {
		defer RecoverPanic(logger, "prune job")
		panic("boom")
	}()

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, "PANIC recovered", entry.Message)
		assert.Equal(t, "prune job", entry.Data["context"])
	}
}

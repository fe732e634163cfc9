package testsupport

import (
	"context"
	"testing"
	"time"

	"zeroflash/internal/eventloop"
	"zeroflash/internal/rpc"
)

// OpenSession binds a session to dev and closes it when the test ends.
func OpenSession(t testing.TB, loop *eventloop.Loop, dev *FakeDevice) *rpc.Session {
	t.Helper()
	session := rpc.NewSession(loop, dev, rpc.Options{StartTimeout: 500 * time.Millisecond, DrainTimeout: 100 * time.Millisecond}, nil)
	session.Open()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Call(ctx, session.Close)
	})
	return session
}

// StartSession opens a session on dev and brings it up.
func StartSession(t testing.TB, loop *eventloop.Loop, dev *FakeDevice) *rpc.Session {
	t.Helper()
	session := OpenSession(t, loop, dev)
	done := make(chan error, 1)
	OnLoop(t, loop, func() {
		if err := session.Start(func(err error) { done <- err }); err != nil {
			done <- err
		}
	})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start session: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not start")
	}
	return session
}

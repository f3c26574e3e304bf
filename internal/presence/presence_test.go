package presence

import (
	"errors"
	"sync"
	"testing"
)

type fakeSender struct {
	mu   sync.Mutex
	got  [][]byte
	fail bool
}

func (f *fakeSender) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send fail")
	}
	f.got = append(f.got, p)
	return nil
}

func (f *fakeSender) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		return nil
	}
	return f.got[len(f.got)-1]
}

func TestTracker_RegisterAndSend(t *testing.T) {
	tracker := NewTracker()

	a := &fakeSender{}
	b := &fakeSender{}

	idA := tracker.Register("alice", a)
	_ = tracker.Register("alice", b) // second tab

	if !tracker.IsOnline("alice") {
		t.Fatal("alice should be online")
	}

	if err := tracker.SendToUser("alice", []byte("m1")); err != nil {
		t.Fatalf("expected send success, got error: %v", err)
	}
	if string(a.last()) != "m1" || string(b.last()) != "m1" {
		t.Fatal("both connections should have received the payload")
	}

	// unregistering one tab keeps the user online
	if wentOffline := tracker.Unregister("alice", idA); wentOffline {
		t.Fatal("alice still has a connection; should not be offline")
	}
	if !tracker.IsOnline("alice") {
		t.Fatal("alice should still be online with one connection")
	}

	if err := tracker.SendToUser("alice", []byte("m2")); err != nil {
		t.Fatalf("send after partial unregister failed: %v", err)
	}
	if string(a.last()) == "m2" {
		t.Fatal("unregistered connection should not receive payloads")
	}
}

func TestTracker_OfflineEdge(t *testing.T) {
	tracker := NewTracker()

	id := tracker.Register("bob", &fakeSender{})
	if wentOffline := tracker.Unregister("bob", id); !wentOffline {
		t.Fatal("removing the last connection should report offline")
	}
	if tracker.IsOnline("bob") {
		t.Fatal("bob should be offline")
	}
	// double unregister is a no-op
	if wentOffline := tracker.Unregister("bob", id); wentOffline {
		t.Fatal("second unregister should not report offline again")
	}
}

func TestTracker_SendToOffline(t *testing.T) {
	tracker := NewTracker()
	if err := tracker.SendToUser("nobody", []byte("x")); err == nil {
		t.Fatal("expected error when sending to offline user")
	}
}

func TestTracker_CleansFailedConnections(t *testing.T) {
	tracker := NewTracker()

	ok := &fakeSender{}
	bad := &fakeSender{fail: true}

	tracker.Register("dora", ok)
	tracker.Register("dora", bad)

	if err := tracker.SendToUser("dora", []byte("x")); err == nil {
		t.Fatal("expected error due to partial sender failure")
	}

	// the broken connection must be gone before the next fan-out
	if err := tracker.SendToUser("dora", []byte("y")); err != nil {
		t.Fatalf("expected send to succeed after cleanup: %v", err)
	}
	if string(ok.last()) != "y" {
		t.Fatal("healthy sender did not receive follow-up payload")
	}
}

func TestTracker_OnlineUsers(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("alice", &fakeSender{})
	tracker.Register("bob", &fakeSender{})

	users := tracker.OnlineUsers()
	if len(users) != 2 {
		t.Fatalf("expected 2 online users, got %d", len(users))
	}
}

func TestTracker_ConcurrentRegisterUnregister(t *testing.T) {
	tracker := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := tracker.Register("eve", &fakeSender{})
			_ = tracker.SendToUser("eve", []byte("hi"))
			tracker.Unregister("eve", id)
		}()
	}
	wg.Wait()

	if tracker.IsOnline("eve") {
		t.Fatal("all connections unregistered; eve should be offline")
	}
}

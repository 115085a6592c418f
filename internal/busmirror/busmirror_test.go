package busmirror

import (
	"testing"
	"time"

	"github.com/CLIAIMONITOR/internal/bus"
)

func TestStartAndShutdown(t *testing.T) {
	m, err := Start(Config{Port: 14222})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Shutdown()

	fn := m.Func()
	msg := bus.NewMessage(1, 0, "agent-a", "A", "agent-b", []byte("hello"))
	fn("send", msg) // best-effort; must not panic or block

	time.Sleep(10 * time.Millisecond)
}

func TestFuncSwallowsPublishAfterShutdown(t *testing.T) {
	m, err := Start(Config{Port: 14223})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	fn := m.Func()
	m.Shutdown()

	msg := bus.NewMessage(1, 0, "agent-a", "A", "", []byte("broadcast"))
	fn("broadcast", msg) // must not panic even though the connection is closed
}

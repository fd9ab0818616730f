package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
)

func TestDecodeReply(t *testing.T) {
	if err := DecodeReply("start_process", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("expected nil got %v", err)
	}

	err := DecodeReply("start_process", []byte(`{"ok":false,"error":"image missing","retryable":false}`))
	if err == nil || !change.IsPermanent(err) {
		t.Fatalf("expected permanent error got %v", err)
	}
	if !strings.Contains(err.Error(), "image missing") {
		t.Fatalf("expected agent message in error, got %q", err.Error())
	}

	err = DecodeReply("stop_process", []byte(`{"ok":false,"error":"node busy","retryable":true}`))
	if err == nil || change.IsPermanent(err) {
		t.Fatalf("expected temporary error got %v", err)
	}
	if change.ResultOf(err) != change.FailedTemporary {
		t.Fatalf("expected FailedTemporary")
	}

	err = DecodeReply("stop_process", []byte(`not json`))
	if err == nil || change.IsPermanent(err) {
		t.Fatalf("malformed reply should be temporary, got %v", err)
	}

	err = DecodeReply("stop_process", []byte(`{"ok":false}`))
	if err == nil || !strings.Contains(err.Error(), "command rejected") {
		t.Fatalf("expected default message got %v", err)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("connect_processes"); got != "agent.connect_processes" {
		t.Fatalf("unexpected subject %s", got)
	}
}

func TestSendRequiresOp(t *testing.T) {
	c := NewClient(nil, 0, nil)
	err := c.Send(context.Background(), Command{})
	if !change.IsPermanent(err) {
		t.Fatalf("expected permanent error got %v", err)
	}
	if c.timeout != DefaultTimeout {
		t.Fatalf("expected default timeout")
	}
}

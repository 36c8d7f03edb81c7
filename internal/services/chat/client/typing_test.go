package client

import (
	"testing"
	"time"

	"github.com/louisbranch/classroom.chat/internal/platform/clock"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
)

func TestTypingViewOrdersAndExpires(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(testStart)
	v := NewTypingView(clk, 0)

	v.Apply(protocol.UserTyping{ChannelID: "7", UserID: "9", DisplayName: "Zoe"})
	clk.Advance(2 * time.Second)
	v.Apply(protocol.UserTyping{ChannelID: "7", UserID: "4", DisplayName: "Ana"})
	v.Apply(protocol.UserTyping{ChannelID: "8", UserID: "1", DisplayName: "Other"})

	got := v.Typing("7")
	if len(got) != 2 || got[0].UserID != "4" || got[1].UserID != "9" {
		t.Fatalf("typing = %#v, want [4 9]", got)
	}

	clk.Advance(3 * time.Second)
	got = v.Typing("7")
	if len(got) != 1 || got[0].UserID != "4" {
		t.Fatalf("typing after first expiry = %#v, want [4]", got)
	}

	v.Apply(protocol.TypingStopped{ChannelID: "7", UserID: "4"})
	if got := v.Typing("7"); len(got) != 0 {
		t.Fatalf("typing after stop = %#v", got)
	}
	if got := v.Typing("8"); len(got) != 1 {
		t.Fatalf("other channel = %#v", got)
	}
}

func TestTypingViewRefreshExtendsEntry(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(testStart)
	v := NewTypingView(clk, 5*time.Second)
	v.Apply(protocol.UserTyping{ChannelID: "7", UserID: "4"})
	clk.Advance(4 * time.Second)
	v.Apply(protocol.UserTyping{ChannelID: "7", UserID: "4"})
	clk.Advance(4 * time.Second)

	if got := v.Typing("7"); len(got) != 1 {
		t.Fatalf("refreshed typist expired early: %#v", got)
	}
	v.ClearChannel("7")
	if got := v.Typing("7"); len(got) != 0 {
		t.Fatalf("typing after clear = %#v", got)
	}
	v.Apply(protocol.NewMessage{ChannelID: "7"})
}

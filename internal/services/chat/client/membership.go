package client

import (
	"sort"

	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
)

// membership tracks the active channel and the channels joined on the
// current server session. Callers hold Conn.mu.
type membership struct {
	active domain.ChannelID
	joined map[domain.ChannelID]struct{}
}

// switchTo designates next as active and returns the frames that move the
// server subscription from the previous channel. Leave always precedes join.
func (m *membership) switchTo(next domain.ChannelID) []protocol.Command {
	prev := m.active
	if prev == next {
		return nil
	}
	m.active = next
	var cmds []protocol.Command
	if prev != "" {
		cmds = append(cmds, protocol.StopTyping{ChannelID: prev}, protocol.LeaveChannel{ChannelID: prev})
	}
	if next != "" {
		cmds = append(cmds, protocol.JoinChannel{ChannelID: next})
	}
	return cmds
}

// handshake resets the joined set for a new server session and returns the
// deferred join, if any.
func (m *membership) handshake() []protocol.Command {
	m.joined = make(map[domain.ChannelID]struct{})
	if m.active == "" {
		return nil
	}
	return []protocol.Command{protocol.JoinChannel{ChannelID: m.active}}
}

func (m *membership) track(cmd protocol.Command) {
	if m.joined == nil {
		m.joined = make(map[domain.ChannelID]struct{})
	}
	switch cmd := cmd.(type) {
	case protocol.JoinChannel:
		m.joined[cmd.ChannelID] = struct{}{}
	case protocol.LeaveChannel:
		delete(m.joined, cmd.ChannelID)
	}
}

func (m *membership) subscriptions() []domain.ChannelID {
	out := make([]domain.ChannelID, 0, len(m.joined))
	for channelID := range m.joined {
		out = append(out, channelID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

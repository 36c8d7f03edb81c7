package server

import (
	"context"

	apperrors "github.com/louisbranch/classroom.chat/internal/platform/errors"
	"github.com/louisbranch/classroom.chat/internal/platform/timeouts"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
)

// handleFrame decodes and executes one inbound frame. Rejections are reported
// to the sender as error frames; the connection stays open.
func (r *registry) handleFrame(ctx context.Context, c *connection, data []byte) {
	if !c.limiter.Allow() {
		r.reject(c, apperrors.New(apperrors.CodeResourceExhausted, "rate limit exceeded"), "")
		return
	}
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("malformed frame")
		r.reject(c, apperrors.Wrap(apperrors.CodeMalformedFrame, err.Error(), err), "")
		return
	}
	r.metrics.framesReceived.WithLabelValues(string(cmd.CommandType())).Inc()

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
	defer cancel()
	if err := r.dispatch(ctx, c, cmd); err != nil {
		c.log.Debug().Err(err).Str("frame", string(cmd.CommandType())).Str("channel_id", string(cmd.Channel())).Msg("frame rejected")
		r.reject(c, err, cmd.Channel())
	}
}

func (r *registry) dispatch(ctx context.Context, c *connection, cmd protocol.Command) error {
	if _, ok := cmd.(protocol.JoinChannel); !ok {
		if _, leaving := cmd.(protocol.LeaveChannel); !leaving && !c.joined(cmd.Channel()) {
			return apperrors.New(apperrors.CodeAuthorizationFailure, "join the channel first")
		}
	}

	switch cmd := cmd.(type) {
	case protocol.JoinChannel:
		return r.join(ctx, c, cmd.ChannelID)
	case protocol.LeaveChannel:
		r.leave(c, cmd.ChannelID)
		return nil
	case protocol.SendMessage:
		result, err := r.sendMessage(ctx, c.identity, cmd.Draft())
		if err != nil {
			return err
		}
		if result.Duplicate {
			c.sendEvent(protocol.NewMessage{
				ChannelID:       result.Message.ChannelID,
				Message:         result.Message,
				ClientMessageID: cmd.ClientMessageID,
			})
		}
		return nil
	case protocol.StartTyping:
		r.startTyping(c, cmd.ChannelID)
		return nil
	case protocol.StopTyping:
		r.stopTyping(c, cmd.ChannelID)
		return nil
	case protocol.MarkRead:
		if err := requireMessageID(cmd.MessageID); err != nil {
			return err
		}
		return r.markRead(ctx, c.identity, cmd.ChannelID, cmd.MessageID)
	case protocol.MarkDelivered:
		if err := requireMessageID(cmd.MessageID); err != nil {
			return err
		}
		return r.markDelivered(ctx, c.identity, cmd.ChannelID, cmd.MessageID)
	case protocol.AnswerDoubt:
		if err := requireMessageID(cmd.MessageID); err != nil {
			return err
		}
		return r.answerDoubt(ctx, c.identity, cmd.ChannelID, cmd.MessageID)
	case protocol.PinMessage:
		if err := requireMessageID(cmd.MessageID); err != nil {
			return err
		}
		return r.pinMessage(ctx, c.identity, cmd.ChannelID, cmd.MessageID)
	default:
		return apperrors.New(apperrors.CodeMalformedFrame, "unsupported frame")
	}
}

func (r *registry) reject(c *connection, err error, channelID domain.ChannelID) {
	r.metrics.framesRejected.WithLabelValues(apperrors.CodeOf(err).WireCode()).Inc()
	c.sendError(err, channelID)
}

func requireMessageID(id int64) error {
	if id <= 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "message id must be positive")
	}
	return nil
}

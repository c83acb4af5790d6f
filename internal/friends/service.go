// Package friends sends friend and message request operations over the
// realtime channel as correlated calls.
package friends

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/logging"
	"github.com/circleapp/circle/core/internal/realtime"
)

// Event names of the friend request protocol.
const (
	EventSend          = "friend:request:send"
	EventSent          = "friend:request:sent"
	EventSendError     = "friend:request:error"
	EventAccept        = "friend:request:accept"
	EventAccepted      = "friend:request:accepted"
	EventAcceptError   = "friend:request:accept:error"
	EventDecline       = "friend:request:decline"
	EventDeclined      = "friend:request:declined"
	EventDeclineError  = "friend:request:decline:error"
	EventCancel        = "friend:request:cancel"
	EventCancelled     = "friend:request:cancelled"
	EventCancelError   = "friend:request:cancel:error"
	EventMsgCancel     = "message:request:cancel"
	EventMsgCancelled  = "message:request:cancelled"
	EventMsgCancelErr  = "message:request:cancel:error"
	EventUnfriend      = "friend:unfriend"
	EventUnfriended    = "friend:unfriended"
	EventUnfriendError = "friend:unfriend:error"
	EventReceived      = "friend:request:received"
)

// Connector returns a live socket authenticated with token.
type Connector interface {
	Connect(ctx context.Context, token string) (realtime.Socket, error)
}

// Service runs friend operations.
type Service struct {
	connector  Connector
	correlator *realtime.Correlator
}

// NewService creates a Service.
func NewService(connector Connector, correlator *realtime.Correlator) *Service {
	return &Service{connector: connector, correlator: correlator}
}

// SendFriendRequest asks receiverID to become a friend.
func (s *Service) SendFriendRequest(ctx context.Context, token, receiverID string) (json.RawMessage, error) {
	return s.call(ctx, token, realtime.Call{
		Emit:    EventSend,
		Success: EventSent,
		Error:   EventSendError,
		Payload: map[string]string{"receiverId": receiverID},
	})
}

// AcceptFriendRequest accepts an incoming request.
func (s *Service) AcceptFriendRequest(ctx context.Context, token, requestID string) (json.RawMessage, error) {
	return s.call(ctx, token, realtime.Call{
		Emit:    EventAccept,
		Success: EventAccepted,
		Error:   EventAcceptError,
		Payload: map[string]string{"requestId": requestID},
	})
}

// DeclineFriendRequest declines an incoming request.
func (s *Service) DeclineFriendRequest(ctx context.Context, token, requestID string) (json.RawMessage, error) {
	return s.call(ctx, token, realtime.Call{
		Emit:    EventDecline,
		Success: EventDeclined,
		Error:   EventDeclineError,
		Payload: map[string]string{"requestId": requestID},
	})
}

// CancelFriendRequest withdraws an outgoing request.
func (s *Service) CancelFriendRequest(ctx context.Context, token, requestID string) (json.RawMessage, error) {
	return s.call(ctx, token, realtime.Call{
		Emit:    EventCancel,
		Success: EventCancelled,
		Error:   EventCancelError,
		Payload: map[string]string{"requestId": requestID},
	})
}

// CancelMessageRequest withdraws an outgoing message request.
func (s *Service) CancelMessageRequest(ctx context.Context, token, requestID string) (json.RawMessage, error) {
	return s.call(ctx, token, realtime.Call{
		Emit:    EventMsgCancel,
		Success: EventMsgCancelled,
		Error:   EventMsgCancelErr,
		Payload: map[string]string{"requestId": requestID},
	})
}

// Unfriend removes friendID from the friend list.
func (s *Service) Unfriend(ctx context.Context, token, friendID string) (json.RawMessage, error) {
	return s.call(ctx, token, realtime.Call{
		Emit:    EventUnfriend,
		Success: EventUnfriended,
		Error:   EventUnfriendError,
		Payload: map[string]string{"friendId": friendID},
	})
}

// IncomingRequest is a friend request pushed by the server.
type IncomingRequest struct {
	ID         string          `json:"id"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// OnIncomingRequest calls fn for every friend request pushed to the user.
// The returned func unsubscribes.
func (s *Service) OnIncomingRequest(ctx context.Context, token string, fn func(IncomingRequest)) (func(), error) {
	sock, err := s.socket(ctx, token)
	if err != nil {
		return nil, err
	}
	off := sock.On(EventReceived, func(m realtime.Message) {
		var req IncomingRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			logging.Warn("Ignoring malformed friend request event", map[string]interface{}{"error": err.Error()})
			return
		}
		req.Raw = m.Data
		fn(req)
	})
	return off, nil
}

func (s *Service) call(ctx context.Context, token string, call realtime.Call) (json.RawMessage, error) {
	sock, err := s.socket(ctx, token)
	if err != nil {
		return nil, err
	}
	data, err := s.correlator.Do(ctx, sock, call)
	if err != nil {
		logging.ErrorWithCode("Friend operation failed", string(errors.CodeOf(err)), err, map[string]interface{}{
			"event": call.Emit,
		})
		return nil, err
	}
	return data, nil
}

func (s *Service) socket(ctx context.Context, token string) (realtime.Socket, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New(errors.ErrTokenMissing, "not signed in")
	}
	sock, err := s.connector.Connect(ctx, token)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrNotConnected {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrNotConnected, "Socket not connected", err)
	}
	return sock, nil
}

// UserMessage returns the alert text shown for a failed operation.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch errors.CodeOf(err) {
	case errors.ErrNotConnected:
		return "You're offline. Check your connection and try again."
	case errors.ErrRequestTimeout:
		return "The request timed out. Please try again."
	case errors.ErrInFlight:
		return "Please wait, your previous request is still in progress."
	case errors.ErrTokenMissing, errors.ErrTokenExpired:
		return "Your session has expired. Please sign in again."
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Code == errors.ErrServer {
		msg := strings.ToLower(appErr.Message)
		switch {
		case strings.Contains(msg, "already friends"):
			return "You're already friends."
		case strings.Contains(msg, "already sent"), strings.Contains(msg, "already exists"), strings.Contains(msg, "pending"):
			return "A friend request is already pending."
		case strings.Contains(msg, "not found"):
			return "This request is no longer available."
		case strings.Contains(msg, "blocked"):
			return "You can't send a request to this user."
		case appErr.Message != "" && appErr.Message != "Request failed":
			return appErr.Message
		}
	}
	return "Something went wrong. Please try again."
}

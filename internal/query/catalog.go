// Package query builds executable live queries from their wire-protocol
// names. Each built QueryFunc performs one internally-consistent read
// against the relevant store and declares the dependency keys that read
// touched, which is what the live engine indexes for invalidation.
package query

import (
	"context"
	"fmt"

	"github.com/johnvesslyalti/tars-chat/internal/directory"
	"github.com/johnvesslyalti/tars-chat/internal/domain"
	"github.com/johnvesslyalti/tars-chat/internal/identity"
	"github.com/johnvesslyalti/tars-chat/internal/live"
	"github.com/johnvesslyalti/tars-chat/internal/message"
	"github.com/johnvesslyalti/tars-chat/internal/presence"
	"github.com/johnvesslyalti/tars-chat/internal/protocol"
	"github.com/johnvesslyalti/tars-chat/internal/readstate"
	"github.com/johnvesslyalti/tars-chat/internal/typing"
)

// Catalog holds the stores the queries read from.
type Catalog struct {
	Users    *identity.Store
	Convs    *directory.Store
	Messages *message.Store
	Read     *readstate.Store
	Presence *presence.Store
	Typing   *typing.Store
}

// Request names a query and its arguments, resolved against the session's
// authenticated user.
type Request struct {
	Query          string
	UserID         string // session user's internal id
	ExternalID     string // session user's external id
	ConversationID string // required by messages, typing, unread
}

// UnreadResult is the payload of an unread query.
type UnreadResult struct {
	ConversationID string `json:"conversation_id"`
	Count          int    `json:"count"`
}

// Build validates the request and returns the QueryFunc for it. Conversation
// -scoped queries verify membership once, at build time, so a client cannot
// subscribe into a conversation it does not belong to.
func (c *Catalog) Build(ctx context.Context, req Request) (live.QueryFunc, error) {
	switch req.Query {
	case protocol.QueryUsers:
		return func(ctx context.Context) (interface{}, []live.Key, error) {
			users, err := c.Users.ListOtherUsers(ctx, req.ExternalID)
			return users, []live.Key{live.KeyUsers}, err
		}, nil

	case protocol.QueryConversations:
		return func(ctx context.Context) (interface{}, []live.Key, error) {
			convs, err := c.Convs.ListForUser(ctx, req.UserID)
			return convs, []live.Key{live.UserConversations(req.UserID)}, err
		}, nil

	case protocol.QueryPresence:
		return func(ctx context.Context) (interface{}, []live.Key, error) {
			records, err := c.Presence.List(ctx)
			return records, []live.Key{live.KeyPresence}, err
		}, nil

	case protocol.QueryMessages:
		if err := c.checkMembership(ctx, req); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (interface{}, []live.Key, error) {
			msgs, err := c.Messages.List(ctx, req.ConversationID)
			return msgs, []live.Key{live.ConversationMessages(req.ConversationID)}, err
		}, nil

	case protocol.QueryTyping:
		if err := c.checkMembership(ctx, req); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (interface{}, []live.Key, error) {
			flags, err := c.Typing.ListActive(ctx, req.ConversationID)
			return flags, []live.Key{live.ConversationTyping(req.ConversationID)}, err
		}, nil

	case protocol.QueryUnread:
		if err := c.checkMembership(ctx, req); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (interface{}, []live.Key, error) {
			count, err := c.Read.UnreadCount(ctx, req.ConversationID, req.UserID)
			deps := []live.Key{
				live.ConversationMessages(req.ConversationID),
				live.ReadMarker(req.ConversationID, req.UserID),
			}
			return UnreadResult{ConversationID: req.ConversationID, Count: count}, deps, err
		}, nil
	}

	return nil, fmt.Errorf("query: unknown query %q: %w", req.Query, domain.ErrInvalidArgument)
}

func (c *Catalog) checkMembership(ctx context.Context, req Request) error {
	if req.ConversationID == "" {
		return fmt.Errorf("query: %s requires conversation_id: %w", req.Query, domain.ErrInvalidArgument)
	}
	conv, err := c.Convs.ByID(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	if !conv.HasMember(req.UserID) {
		return fmt.Errorf("query: user %s is not a member of %s: %w",
			req.UserID, req.ConversationID, domain.ErrInvalidArgument)
	}
	return nil
}

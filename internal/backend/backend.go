// Package backend talks to the agent app-server: a JSON-RPC 2.0 client over
// a pluggable connection (subprocess stdio or websocket), typed errors for
// the failure taxonomy, and the Backend interface the sync core depends on.
package backend

import (
	"context"

	"github.com/agusx1211/convsync/pkg/protocol"
)

// Backend is the set of outbound calls the sync core issues.
type Backend interface {
	CreateConversation(ctx context.Context, params protocol.NewConversationParams) (protocol.NewConversationResponse, error)
	SendMessage(ctx context.Context, conversationID string, items []protocol.InputItem, clientMessageID string) error
	InterruptTurn(ctx context.Context, conversationID, turnID string) error
	RespondApproval(ctx context.Context, requestID string, decision protocol.ApprovalDecision) error
	ListConversations(ctx context.Context, cursor string, limit int) (protocol.ListConversationsResponse, error)
	ResumeConversation(ctx context.Context, conversationID string) (protocol.ResumeConversationResponse, error)
}

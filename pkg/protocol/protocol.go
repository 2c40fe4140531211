// Package protocol defines the wire contract between convsync and the agent
// app-server.
//
// The app-server speaks JSON-RPC 2.0. convsync issues requests for the
// conversation lifecycle, receives event notifications under the
// "codex/event" method family, and answers approval requests the server
// sends back to the client. Every notification carries an Envelope:
//
//	{"method": "codex/event/agent_message_delta",
//	 "params": {"conversationId": "c1", "id": "t1",
//	            "msg": {"type": "agent_message_delta", "delta": "He"}}}
package protocol

import "encoding/json"

// Client -> server request methods.
const (
	MethodInitialize              = "initialize"
	MethodNewConversation         = "newConversation"
	MethodAddConversationListener = "addConversationListener"
	MethodSendUserMessage         = "sendUserMessage"
	MethodInterruptConversation   = "interruptConversation"
	MethodListConversations       = "listConversations"
	MethodResumeConversation      = "resumeConversation"
)

// Server -> client request methods. The legacy names are sent by older
// app-server builds, the item/* names by newer ones.
const (
	MethodExecCommandApproval      = "execCommandApproval"
	MethodApplyPatchApproval       = "applyPatchApproval"
	MethodCommandExecutionApproval = "item/commandExecution/requestApproval"
	MethodFileChangeApproval       = "item/fileChange/requestApproval"
)

// EventMethodPrefix prefixes every event notification method.
const EventMethodPrefix = "codex/event"

// Envelope is the params object of an event notification.
type Envelope struct {
	ConversationID string          `json:"conversationId"`
	ID             string          `json:"id,omitempty"`
	Msg            json.RawMessage `json:"msg"`
}

// Notification is a full event notification as delivered by the transport.
type Notification struct {
	Method string   `json:"method"`
	Params Envelope `json:"params"`
}

// ClientInfo identifies convsync during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeParams is sent once per connection before any other request.
type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// InitializeResponse carries the server identity.
type InitializeResponse struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// NewConversationParams configures a conversation at creation time.
type NewConversationParams struct {
	Model                 string         `json:"model,omitempty"`
	Profile               string         `json:"profile,omitempty"`
	Cwd                   string         `json:"cwd,omitempty"`
	ApprovalPolicy        string         `json:"approvalPolicy,omitempty"`
	Sandbox               string         `json:"sandbox,omitempty"`
	Config                map[string]any `json:"config,omitempty"`
	BaseInstructions      string         `json:"baseInstructions,omitempty"`
	IncludePlanTool       bool           `json:"includePlanTool,omitempty"`
	IncludeApplyPatchTool bool           `json:"includeApplyPatchTool,omitempty"`
}

// NewConversationResponse is returned by newConversation.
type NewConversationResponse struct {
	ConversationID string `json:"conversationId"`
	Model          string `json:"model,omitempty"`
	RolloutPath    string `json:"rolloutPath,omitempty"`
}

// AddConversationListenerParams subscribes the connection to a conversation's events.
type AddConversationListenerParams struct {
	ConversationID string `json:"conversationId"`
}

// InputItem is one element of a user message.
type InputItem struct {
	Type string        `json:"type"`
	Data InputItemData `json:"data"`
}

// InputItemData holds the payload of an InputItem.
type InputItemData struct {
	Text string `json:"text,omitempty"`
}

// TextItem builds a text InputItem.
func TextItem(text string) InputItem {
	return InputItem{Type: "text", Data: InputItemData{Text: text}}
}

// SendUserMessageParams starts a turn with the given items.
type SendUserMessageParams struct {
	ConversationID  string      `json:"conversationId"`
	Items           []InputItem `json:"items"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
}

// InterruptConversationParams aborts the running turn.
type InterruptConversationParams struct {
	ConversationID string `json:"conversationId"`
	TurnID         string `json:"turnId,omitempty"`
}

// ListConversationsParams pages through stored conversations.
type ListConversationsParams struct {
	PageSize int    `json:"pageSize,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}

// ConversationSummary is one listed conversation.
type ConversationSummary struct {
	ConversationID string `json:"conversationId"`
	Path           string `json:"path,omitempty"`
	Preview        string `json:"preview,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// ListConversationsResponse is one page of conversations.
type ListConversationsResponse struct {
	Items      []ConversationSummary `json:"items"`
	NextCursor string                `json:"nextCursor,omitempty"`
}

// ResumeConversationParams reopens a stored conversation.
type ResumeConversationParams struct {
	ConversationID string                 `json:"conversationId,omitempty"`
	Path           string                 `json:"path,omitempty"`
	Overrides      *NewConversationParams `json:"overrides,omitempty"`
}

// ResumeConversationResponse carries the resumed conversation and its
// history as raw event messages (the msg objects of past envelopes).
type ResumeConversationResponse struct {
	ConversationID  string            `json:"conversationId"`
	Model           string            `json:"model,omitempty"`
	RolloutPath     string            `json:"rolloutPath,omitempty"`
	InitialMessages []json.RawMessage `json:"initialMessages,omitempty"`
}

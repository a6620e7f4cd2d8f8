// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package messages defines the wire envelope spoken between the server
// and kernels, and between the server and browser clients. The shape
// follows the notebook messaging convention: a header, the parent
// header of the message being replied to, free-form metadata and a
// typed content payload, multiplexed over named channels.
package messages

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Channel names. Every message travels on exactly one.
const (
	ChannelCommand   = "shell"
	ChannelBroadcast = "iopub"
	ChannelStdin     = "stdin"
	ChannelControl   = "control"
	ChannelHeartbeat = "heartbeat"
)

// Message types originated by clients.
const (
	MsgExecuteRequest       = "execute_request"
	MsgRunCells             = "run_cells"
	MsgChangeCellAttribute  = "change_cell_attribute"
	MsgChangeSheetAttribute = "change_sheet_attribute"
	MsgInsertDeleteCells    = "insert_delete_cells"
	MsgDragRowColumn        = "drag_row_column"
	MsgWidgetValueUpdate    = "widget_value_update"
	MsgWidgetGetState       = "widget_get_state"
	MsgWidgetValidate       = "widget_validate_params"
	MsgRenameSheet          = "rename_sheet"
	MsgCreateSheet          = "create_sheet"
	MsgDeleteSheet          = "delete_sheet"
	MsgCopyCells            = "copy_cells"
	MsgSheetAutofill        = "sheet_autofill"
	MsgSaveKernelState      = "save_kernel_state"
	MsgSetSecret            = "set_secret"
	MsgSetSecrets           = "set_secrets"
	MsgInstallRequirements  = "install_requirements"
	MsgRPCRequest           = "rpc_request"
	MsgUndo                 = "undo"
)

// Message types originated by the server or kernel.
const (
	MsgExecuteReply  = "execute_reply"
	MsgExecuteResult = "execute_result"
	MsgDisplayData   = "display_data"
	MsgStream        = "stream"
	MsgKernelError   = "error"
	MsgCellUpdate    = "cell_update"
	MsgSheetUpdate   = "sheet_update"
	MsgTickReply     = "tick_reply"
	MsgRerunCells    = "rerun_cells"
	MsgSaveReply     = "save_reply"
	MsgKernelState   = "kernel_state"
	MsgAuthReply     = "auth_reply"
	MsgKernelStatus  = "status"
)

// Control and housekeeping message types.
const (
	MsgPing      = "ping"
	MsgPong      = "pong"
	MsgReloadEnv = "reload_env"
	MsgInterrupt = "interrupt_request"
	MsgBatch     = "batch"
)

// Well-known metadata keys.
const (
	MetaUndo          = "undo"
	MetaSheetID       = "sheet_id"
	MetaUserEmail     = "user_email"
	MetaForTick       = "for_tick"
	MetaForAPI        = "for_api"
	MetaRequiresSave  = "requires_save"
	MetaSaveCompleted = "save_completed"
)

// Header identifies one message.
type Header struct {
	MsgType string            `json:"msg_type"`
	MsgID   string            `json:"msg_id"`
	Session string            `json:"session,omitempty"`
	Date    time.Time         `json:"date"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Message is the envelope. Content stays raw until a handler decodes
// it into its typed form.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader *Header         `json:"parent_header,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel,omitempty"`
	Buffers      [][]byte        `json:"buffers,omitempty"`
}

// New builds a message of the given type with encoded content.
func New(msgType string, content any) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, errors.Annotatef(err, "encoding %s content", msgType)
	}
	return Message{
		Header: Header{
			MsgType: msgType,
			MsgID:   uuid.NewString(),
			Date:    time.Now().UTC(),
		},
		Content: raw,
	}, nil
}

// Reply builds a reply carrying the request's header as parent and
// inheriting its session and tags.
func Reply(parent Message, msgType string, content any) (Message, error) {
	m, err := New(msgType, content)
	if err != nil {
		return Message{}, errors.Trace(err)
	}
	ph := parent.Header
	m.ParentHeader = &ph
	m.Header.Session = parent.Header.Session
	m.Header.Tags = parent.Header.Tags
	return m, nil
}

// DecodeContent unmarshals the content payload into v.
func (m Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return errors.NotValidf("empty %s content", m.Header.MsgType)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return errors.Annotatef(err, "decoding %s content", m.Header.MsgType)
	}
	return nil
}

// MetaString returns a string metadata value, or "".
func (m Message) MetaString(key string) string {
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaBool returns a boolean metadata value, or false.
func (m Message) MetaBool(key string) bool {
	b, _ := m.Metadata[key].(bool)
	return b
}

// SetMeta sets one metadata value, allocating the map on first use.
func (m *Message) SetMeta(key string, v any) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[key] = v
}

// UserEmail returns the originating user from the header tags; kernels
// echo the tags back on replies so activity tracking can tell user
// traffic from system traffic.
func (m Message) UserEmail() string {
	if m.Header.Tags != nil {
		if email := m.Header.Tags["user_email"]; email != "" {
			return email
		}
	}
	if m.ParentHeader != nil && m.ParentHeader.Tags != nil {
		return m.ParentHeader.Tags["user_email"]
	}
	return ""
}

type batchContent struct {
	Messages []Message `json:"messages"`
}

// NewBatch wraps messages into a single batch envelope, preserving
// order.
func NewBatch(msgs []Message) (Message, error) {
	return New(MsgBatch, batchContent{Messages: msgs})
}

// Split returns the constituent messages of a batch, or the message
// itself when it is not a batch. Batches nest one level at most.
func (m Message) Split() ([]Message, error) {
	if m.Header.MsgType != MsgBatch {
		return []Message{m}, nil
	}
	var content batchContent
	if err := m.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	return content.Messages, nil
}

package protocol

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/model"
)

// CommandType is the discriminant of an outbound client command.
type CommandType string

const (
	SendMessage CommandType = "SEND_MESSAGE"
	TypingStart CommandType = "TYPING_START"
	TypingStop  CommandType = "TYPING_STOP"
	MarkRead    CommandType = "MARK_READ"
	JoinChat    CommandType = "JOIN_CHAT"
	LeaveChat   CommandType = "LEAVE_CHAT"
	Heartbeat   CommandType = "HEARTBEAT"
)

// Command is a fire-and-forget client-to-server command.
type Command struct {
	Type        CommandType       `json:"type"`
	ChatID      string            `json:"chatId,omitempty"`
	Content     *string           `json:"content,omitempty"`
	MessageType model.MessageType `json:"messageType,omitempty"`
	ImageID     *string           `json:"imageId,omitempty"`
}

// Encode serializes the command body.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func SendMessageCommand(chatID string, content *string, typ model.MessageType, imageID *string) Command {
	return Command{Type: SendMessage, ChatID: chatID, Content: content, MessageType: typ, ImageID: imageID}
}

func TypingStartCommand(chatID string) Command { return Command{Type: TypingStart, ChatID: chatID} }
func TypingStopCommand(chatID string) Command  { return Command{Type: TypingStop, ChatID: chatID} }
func MarkReadCommand(chatID string) Command    { return Command{Type: MarkRead, ChatID: chatID} }
func JoinChatCommand(chatID string) Command    { return Command{Type: JoinChat, ChatID: chatID} }
func LeaveChatCommand(chatID string) Command   { return Command{Type: LeaveChat, ChatID: chatID} }
func HeartbeatCommand() Command                { return Command{Type: Heartbeat} }

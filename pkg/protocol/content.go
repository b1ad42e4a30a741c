package protocol

// MessageKey identifies one message in a chat.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// WebMessage is an inbound message as delivered by the bridge.
type WebMessage struct {
	Key       MessageKey `json:"key"`
	PushName  string     `json:"pushName,omitempty"`
	Timestamp int64      `json:"messageTimestamp,omitempty"` // unix seconds
	Message   *Content   `json:"message,omitempty"`
}

// Content holds exactly one populated field for a well-formed message.
// Ephemeral and ViewOnce wrap another Content.
type Content struct {
	Conversation        *string              `json:"conversation,omitempty"`
	ExtendedText        *ExtendedText        `json:"extendedTextMessage,omitempty"`
	Image               *Media               `json:"imageMessage,omitempty"`
	Video               *Media               `json:"videoMessage,omitempty"`
	Audio               *Media               `json:"audioMessage,omitempty"`
	Document            *Media               `json:"documentMessage,omitempty"`
	Sticker             *Media               `json:"stickerMessage,omitempty"`
	TemplateButtonReply *TemplateButtonReply `json:"templateButtonReplyMessage,omitempty"`
	ButtonsResponse     *ButtonsResponse     `json:"buttonsResponseMessage,omitempty"`
	ListResponse        *ListResponse        `json:"listResponseMessage,omitempty"`
	Reaction            *Reaction            `json:"reactionMessage,omitempty"`

	Ephemeral *Wrapped `json:"ephemeralMessage,omitempty"`
	ViewOnce  *Wrapped `json:"viewOnceMessage,omitempty"`
}

// Wrapped is an envelope around another message.
type Wrapped struct {
	Message *Content `json:"message,omitempty"`
}

// ContextInfo links a message to the one it quotes and the users it mentions.
type ContextInfo struct {
	StanzaID      string   `json:"stanzaId,omitempty"`
	Participant   string   `json:"participant,omitempty"`
	QuotedMessage *Content `json:"quotedMessage,omitempty"`
	MentionedJID  []string `json:"mentionedJid,omitempty"`
}

type ExtendedText struct {
	Text        string       `json:"text"`
	ContextInfo *ContextInfo `json:"contextInfo,omitempty"`
}

type Media struct {
	URL         string       `json:"url,omitempty"`
	Mimetype    string       `json:"mimetype,omitempty"`
	Caption     string       `json:"caption,omitempty"`
	FileLength  int64        `json:"fileLength,omitempty"`
	ContextInfo *ContextInfo `json:"contextInfo,omitempty"`
}

type TemplateButtonReply struct {
	SelectedID          string       `json:"selectedId,omitempty"`
	SelectedDisplayText string       `json:"selectedDisplayText,omitempty"`
	ContextInfo         *ContextInfo `json:"contextInfo,omitempty"`
}

type ButtonsResponse struct {
	SelectedButtonID    string       `json:"selectedButtonId,omitempty"`
	SelectedDisplayText string       `json:"selectedDisplayText,omitempty"`
	ContextInfo         *ContextInfo `json:"contextInfo,omitempty"`
}

type ListResponse struct {
	Title             string             `json:"title,omitempty"`
	SingleSelectReply *SingleSelectReply `json:"singleSelectReply,omitempty"`
	ContextInfo       *ContextInfo       `json:"contextInfo,omitempty"`
}

type SingleSelectReply struct {
	SelectedRowID string `json:"selectedRowId,omitempty"`
}

type Reaction struct {
	Text string     `json:"text"`
	Key  MessageKey `json:"key"`
}

// Outgoing is the payload of a send request.
type Outgoing struct {
	Text     string      `json:"text,omitempty"`
	Image    *MediaRef   `json:"image,omitempty"`
	Video    *MediaRef   `json:"video,omitempty"`
	Audio    *MediaRef   `json:"audio,omitempty"`
	React    *Reaction   `json:"react,omitempty"`
	Delete   *MessageKey `json:"delete,omitempty"`
	Edit     *MessageKey `json:"edit,omitempty"`
	Mentions []string    `json:"mentions,omitempty"`
	Quoted   *WebMessage `json:"quoted,omitempty"`
}

// MediaRef points at media the bridge should upload.
type MediaRef struct {
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	PTT      bool   `json:"ptt,omitempty"`
}

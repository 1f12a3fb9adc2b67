package relay

// ChannelMessage is the normalized shape of an upstream message. Channel
// broadcasts and group-chat messages both translate into it; anything else is
// dropped at the translation boundary and never reaches a viewer.
type ChannelMessage struct {
	ID        int    `json:"id"`
	Text      string `json:"text"`
	Date      int64  `json:"date"`
	IsPrivate bool   `json:"isPrivate"`
	ChannelID int64  `json:"channelId"`
}

// OutgoingMessage is a request to deliver one message upstream. It is never
// stored.
type OutgoingMessage struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// ChannelInfo describes a channel as resolved at fetch time. It is looked up
// per request, never cached.
type ChannelInfo struct {
	URL   string `json:"url"`
	About string `json:"about"`
	ID    int64  `json:"id"`
}

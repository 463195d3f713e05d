package server

import "github.com/justchat/justchat/internal/types"

const defaultContentType = "text"

var newMessageId = NewMessageId

// buildMessage applies the sanitization policy and constructs the
// immutable message record. Content beyond the cap is dropped silently;
// the sender is not warned of truncation.
func buildMessage(sender types.User, send *Send) (*types.Message, error) {
	content := send.Content
	if runes := []rune(content); len(runes) > maxContentLength {
		content = string(runes[:maxContentLength])
	}

	contentType := send.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	id, err := newMessageId()
	if err != nil {
		return nil, err
	}

	return &types.Message{
		Id:          id,
		SenderId:    sender.Id,
		SenderName:  sender.Name,
		Target:      send.Target,
		Content:     content,
		ContentType: contentType,
		Timestamp:   NowMillis(),
	}, nil
}

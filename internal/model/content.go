package model

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// MessageContent is the normalized payload of a message. Rows written before
// content became structured hold a bare string; Scan folds both forms into
// this shape so callers never see the difference.
type MessageContent struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

func TextContent(text string) MessageContent {
	return MessageContent{Text: text, Images: []string{}}
}

func (c MessageContent) Value() (driver.Value, error) {
	if c.Images == nil {
		c.Images = []string{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal message content failed: %w", err)
	}
	return string(b), nil
}

func (c *MessageContent) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = TextContent("")
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = append([]byte(nil), v...)
	default:
		return fmt.Errorf("unsupported message content type %T", src)
	}
	*c = DecodeContent(raw)
	return nil
}

// DecodeContent accepts a JSON object, a JSON string, or arbitrary legacy text.
func DecodeContent(raw []byte) MessageContent {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '{':
			var structured struct {
				Text   string   `json:"text"`
				Images []string `json:"images"`
			}
			if err := json.Unmarshal(trimmed, &structured); err == nil {
				content := MessageContent{Text: structured.Text, Images: structured.Images}
				if content.Images == nil {
					content.Images = []string{}
				}
				return content
			}
		case '"':
			var text string
			if err := json.Unmarshal(trimmed, &text); err == nil {
				return TextContent(text)
			}
		}
	}
	return TextContent(string(raw))
}

package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"voxcoder/executor"
)

// Executable reports whether the block's language tag names something
// the local execution engine can run.
func (b CodeBlock) Executable() bool {
	return executor.ExecutableLanguage(b.Language)
}

// Lenient on purpose: tolerates a missing language tag and a missing
// newline after the opening fence.
var codeFenceRe = regexp.MustCompile("(?s)```(\\w+)?[ \\t]*\\n?(.*?)```")

// StripFences removes fenced code blocks, leaving only the prose.
func StripFences(text string) string {
	return strings.TrimSpace(codeFenceRe.ReplaceAllString(text, ""))
}

type conversationResponse struct {
	ConversationID string       `json:"conversation_id"`
	Outputs        []convOutput `json:"outputs"`
	Usage          struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// convOutput is one entry of the conversation response. The API mixes
// message entries (content holds text) with tool entries (arguments
// carry the interpreter input, output its result), and content itself
// may be a plain string or a list of typed chunks. Everything optional
// stays RawMessage and is decoded leniently.
type convOutput struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Content   json.RawMessage `json:"content"`
	Arguments string          `json:"arguments"`
	Output    json.RawMessage `json:"output"`
}

type contentItem struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	URL      string          `json:"url"`
	Data     string          `json:"data"`
	ImageURL json.RawMessage `json:"image_url"`
}

func parseConversation(raw *conversationResponse) *Response {
	resp := &Response{}
	var textParts, outputParts []string

	for _, entry := range raw.Outputs {
		if len(entry.Content) > 0 {
			collectContent(entry.Content, &textParts, &resp.Images)
		}

		isTool := strings.Contains(entry.Type, "tool.execution") ||
			entry.Name == "code_interpreter"
		if !isTool {
			continue
		}
		resp.Usage.CodeExecutions++

		if entry.Arguments != "" {
			var args struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal([]byte(entry.Arguments), &args); err == nil && args.Code != "" {
				resp.Blocks = append(resp.Blocks, CodeBlock{Language: "python", Content: args.Code})
			}
		}
		if len(entry.Output) > 0 {
			collectContent(entry.Output, &outputParts, &resp.Images)
		}
	}

	resp.Text = strings.TrimSpace(strings.Join(textParts, "\n"))
	resp.Output = strings.Join(outputParts, "\n")

	// Fenced blocks from the prose, deduped against blocks already
	// captured from tool calls.
	for _, m := range codeFenceRe.FindAllStringSubmatch(resp.Text, -1) {
		lang := strings.ToLower(m[1])
		code := strings.TrimSpace(m[2])
		if code == "" {
			continue
		}
		if lang == "" {
			lang = inferLanguage(code)
		}
		dup := false
		for _, b := range resp.Blocks {
			if b.Content == code {
				dup = true
				break
			}
		}
		if !dup {
			resp.Blocks = append(resp.Blocks, CodeBlock{Language: lang, Content: code})
		}
	}

	resp.Usage.PromptTokens = raw.Usage.PromptTokens
	resp.Usage.CompletionTokens = raw.Usage.CompletionTokens
	resp.Usage.TotalTokens = raw.Usage.TotalTokens
	return resp
}

// inferLanguage guesses the tag of an unlabelled fence.
func inferLanguage(code string) string {
	lower := strings.ToLower(code)
	if strings.Contains(lower, "<html>") || strings.Contains(lower, "<div>") {
		return "html"
	}
	return "python"
}

// collectContent decodes a content field that may be a bare string or a
// list of typed chunks, appending text chunks to textOut and image
// chunks (as data URIs) to images.
func collectContent(raw json.RawMessage, textOut *[]string, images *[]string) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) != "" {
			*textOut = append(*textOut, s)
		}
		return
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return
	}
	for _, item := range items {
		switch item.Type {
		case "text", "":
			if t := strings.TrimSpace(item.Text); t != "" {
				*textOut = append(*textOut, t)
			}
		case "image_url", "image", "image_data":
			if uri := asDataURI(imageRef(item)); uri != "" {
				*images = append(*images, uri)
			}
		}
	}
}

// imageRef digs the raw image reference out of a chunk. image_url may
// itself be a string or an object holding a url.
func imageRef(item contentItem) string {
	if len(item.ImageURL) > 0 {
		var s string
		if err := json.Unmarshal(item.ImageURL, &s); err == nil && s != "" {
			return s
		}
		var obj struct {
			URL  string `json:"url"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(item.ImageURL, &obj); err == nil {
			if obj.URL != "" {
				return obj.URL
			}
			return obj.Data
		}
	}
	if item.URL != "" {
		return item.URL
	}
	return item.Data
}

// asDataURI normalizes a raw base64 payload or data URI into a
// displayable data URI. PNG payloads in base64 start with "iVBOR",
// JPEG with "/9j/".
func asDataURI(raw string) string {
	switch {
	case raw == "":
		return ""
	case strings.HasPrefix(raw, "data:image"):
		return raw
	case strings.HasPrefix(raw, "iVBOR"):
		return "data:image/png;base64," + raw
	case strings.HasPrefix(raw, "/9j/"):
		return "data:image/jpeg;base64," + raw
	}
	return ""
}

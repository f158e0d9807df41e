package annotator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/araddon/dateparse"

	"github.com/pubrecords/acquire/internal/crawler"
)

const nerPrompt = "Extract every person, organization, location, and file/case number mentioned in the following public record. " +
	"Respond with a JSON array only, each element shaped as {\"text\": \"...\", \"type\": \"person|organization|location|file_number\"}. " +
	"No commentary, no markdown fences.\n\nTitle: {title}\n\nContent:\n{content}"

const dateDetectPrompt = "Estimate this public record's publication date. " +
	"Respond with a JSON object only, shaped as {\"date\": \"YYYY-MM-DD\", \"confidence\": 0.0-1.0, \"source\": \"a short note on where in the text the date came from\"}. " +
	"No commentary, no markdown fences.\n\nTitle: {title}\n\nContent:\n{content}"

type nerEntity struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

var validEntityTypes = map[string]bool{
	"person": true, "organization": true, "location": true, "file_number": true,
}

// parseEntities decodes the model's JSON array reply into DocumentEntity
// rows, skipping anything with an unrecognized type or empty text.
func parseEntities(reply string) ([]crawler.DocumentEntity, error) {
	var raw []nerEntity
	if err := json.Unmarshal([]byte(stripFences(reply)), &raw); err != nil {
		return nil, fmt.Errorf("decode ner reply: %w", err)
	}
	out := make([]crawler.DocumentEntity, 0, len(raw))
	for _, e := range raw {
		text := strings.TrimSpace(e.Text)
		entityType := strings.ToLower(strings.TrimSpace(e.Type))
		if text == "" || !validEntityTypes[entityType] {
			continue
		}
		out = append(out, crawler.DocumentEntity{Text: text, Type: entityType})
	}
	return out, nil
}

type dateDetectReply struct {
	Date       string  `json:"date"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// normalizeDateDetectReply parses the model's JSON reply, normalizes its
// date string through dateparse (models rarely stick to one format), and
// re-encodes the result with the normalized date for storage.
func normalizeDateDetectReply(reply string) (string, error) {
	var parsed dateDetectReply
	if err := json.Unmarshal([]byte(stripFences(reply)), &parsed); err != nil {
		return "", fmt.Errorf("decode date_detect reply: %w", err)
	}
	if strings.TrimSpace(parsed.Date) == "" {
		return "", fmt.Errorf("date_detect reply carried no date")
	}
	normalized, err := dateparse.ParseAny(parsed.Date)
	if err != nil {
		return "", fmt.Errorf("parse detected date %q: %w", parsed.Date, err)
	}
	parsed.Date = normalized.Format("2006-01-02")

	out, err := json.Marshal(parsed)
	if err != nil {
		return "", fmt.Errorf("encode normalized date_detect reply: %w", err)
	}
	return string(out), nil
}

// stripFences strips a leading/trailing ```-style markdown fence some
// models wrap JSON replies in despite being told not to.
func stripFences(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

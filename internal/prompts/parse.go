package prompts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/avvvet/planbuddy/internal/models"
)

var (
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	objectPattern       = regexp.MustCompile(`(?s)\{.*\}`)
	fencedArrayPattern  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	arrayPattern        = regexp.MustCompile(`(?s)\[.*\]`)
	trailingComma       = regexp.MustCompile(`,\s*([}\]])`)

	annexPattern = regexp.MustCompile(`(?s)<!--(.*?)-->`)
	planHeader   = regexp.MustCompile(`(?im)^[#>\s*]*plan\s*(\d+)\s*[:.)\-]\s*(.*?)\**\s*$`)
)

// ExtractJSON pulls a JSON object out of a model answer. Markdown fences and
// trailing commas are tolerated. Returns "" when no object is present.
func ExtractJSON(content string) string {
	if m := fencedObjectPattern.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	return cleanJSON(objectPattern.FindString(content))
}

// ExtractJSONArray pulls a JSON array out of a model answer.
func ExtractJSONArray(content string) string {
	if m := fencedArrayPattern.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	return cleanJSON(arrayPattern.FindString(content))
}

func cleanJSON(raw string) string {
	if raw == "" {
		return ""
	}
	return trailingComma.ReplaceAllString(strings.TrimSpace(raw), "$1")
}

// ClassifierOutput is the classifier's JSON answer
type ClassifierOutput struct {
	models.Extraction
	Reply string `json:"reply"`
}

// ParseClassifierResponse parses the classifier's answer. Literal "null"
// strings are treated as absent.
func ParseClassifierResponse(content string) (*ClassifierOutput, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in classifier response")
	}

	var out ClassifierOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid classifier JSON: %w", err)
	}

	out.Intent = models.Intent(strings.ToLower(nullable(string(out.Intent))))
	out.GameName = nullable(out.GameName)
	out.FitnessType = nullable(out.FitnessType)
	out.EventName = nullable(out.EventName)
	out.Location = nullable(out.Location)
	out.StartDate = nullable(out.StartDate)
	out.Origin = nullable(out.Origin)
	out.Format = nullable(out.Format)
	if out.EndDate != nil {
		if end := nullable(*out.EndDate); end != "" {
			out.EndDate = &end
		} else {
			out.EndDate = nil
		}
	}
	out.Reply = strings.TrimSpace(out.Reply)

	return &out, nil
}

func nullable(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
		return ""
	}
	return s
}

// SplitAnnex separates the visible plan text from the calendar annex hidden
// in an HTML comment. The last comment holding a JSON array wins. Without an
// HTML comment a trailing fenced JSON array is accepted instead.
func SplitAnnex(content string) (text string, annex string) {
	matches := annexPattern.FindAllStringSubmatchIndex(content, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		body := strings.TrimSpace(content[m[2]:m[3]])
		if arr := ExtractJSONArray(body); arr != "" {
			text = content[:m[0]] + content[m[1]:]
			return strings.TrimSpace(text), arr
		}
	}

	if loc := fencedArrayPattern.FindStringSubmatchIndex(content); loc != nil {
		text = content[:loc[0]] + content[loc[1]:]
		return strings.TrimSpace(text), cleanJSON(content[loc[2]:loc[3]])
	}

	return strings.TrimSpace(content), ""
}

// ParsePlans splits the visible text into numbered plans. A plan starts at a
// "Plan N:" header and runs until the next header. Headers must count up from
// 1; an out-of-order header stays part of the current plan's body.
func ParsePlans(text string) []models.Plan {
	var headers [][]int
	for _, h := range planHeader.FindAllStringSubmatchIndex(text, -1) {
		number, err := strconv.Atoi(text[h[2]:h[3]])
		if err != nil || number != len(headers)+1 {
			continue
		}
		headers = append(headers, h)
	}

	plans := make([]models.Plan, 0, len(headers))
	for i, h := range headers {
		title := strings.Trim(strings.TrimSpace(text[h[4]:h[5]]), "*")

		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		body := strings.TrimSpace(text[h[1]:end])
		// The closing question belongs to the whole answer, not the last plan.
		if i == len(headers)-1 {
			if idx := strings.Index(body, "\n\n"); idx >= 0 {
				body = strings.TrimSpace(body[:idx])
			}
		}

		plans = append(plans, models.Plan{
			Number:  i + 1,
			Title:   strings.TrimSpace(title),
			Summary: body,
		})
	}
	return plans
}

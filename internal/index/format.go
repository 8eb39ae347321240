package index

import (
	"strings"

	"golang.org/x/net/html"

	"bulletin/api/internal/store"
)

// Placeholder fills the slot of an absent optional field so the flat document
// keeps a fixed shape; consumers parsing by position never see a shifted field.
const Placeholder = "N/A"

const dateLayout = "2006-01-02"

// FormatDocument projects an announcement into the flat text pushed to the
// external index. The field order and labels are fixed, rich-text fields are
// stripped of markup and whitespace-normalized, and the result is deterministic
// with no side effects. Create and update both go through here.
func FormatDocument(a store.Announcement) string {
	var b strings.Builder

	writeField(&b, "Title", plain(a.Title))
	writeField(&b, "Category", plain(a.Category))
	writeField(&b, "Application Period", formatPeriod(a))
	writeField(&b, "Summary", StripMarkup(a.Summary))
	writeField(&b, "Eligibility", StripMarkup(a.Eligibility))
	writeField(&b, "Application Notes", StripMarkup(a.ApplicationNotes))
	writeField(&b, "Submission Method", StripMarkup(a.SubmissionMethod))
	writeField(&b, "External Links", strings.Join(a.ExternalURLs, " "))

	return strings.TrimRight(b.String(), "\n")
}

// DocumentName is the display name the index stores alongside the text.
func DocumentName(a store.Announcement) string {
	name := strings.TrimSpace(a.Title)
	if name == "" {
		return Placeholder
	}
	return name
}

func writeField(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		value = Placeholder
	}
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}

func formatPeriod(a store.Announcement) string {
	if a.ApplicationStart == nil && a.ApplicationEnd == nil {
		return ""
	}
	start := Placeholder
	end := Placeholder
	if a.ApplicationStart != nil {
		start = a.ApplicationStart.Format(dateLayout)
	}
	if a.ApplicationEnd != nil {
		end = a.ApplicationEnd.Format(dateLayout)
	}
	return start + " to " + end
}

// StripMarkup flattens rich-text HTML into normalized plain text. Tags are
// dropped, entities decoded, and any run of whitespace collapsed to one space.
func StripMarkup(richText string) string {
	if strings.TrimSpace(richText) == "" {
		return ""
	}

	tokenizer := html.NewTokenizer(strings.NewReader(richText))
	var parts []string
	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			break
		}
		if tokenType == html.TextToken {
			parts = append(parts, string(tokenizer.Text()))
		}
	}

	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func plain(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

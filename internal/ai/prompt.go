package ai

import (
	"fmt"
	"strings"

	"github.com/suPer8Hu/coursegen/internal/apperr"
)

const systemPrompt = "You write course material for an online learning platform. Follow the requested output format exactly."

// Prompt builds the chat messages for kind.
func Prompt(kind Kind, in Context) ([]Message, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Course: %s\n", in.CourseTitle)
	if in.Level != "" {
		fmt.Fprintf(&b, "Level: %s\n", in.Level)
	}
	if in.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Description)
	}
	if in.SectionTitle != "" {
		fmt.Fprintf(&b, "Section: %s\n", in.SectionTitle)
	}
	if in.ArticleTitle != "" {
		fmt.Fprintf(&b, "Article: %s\n", in.ArticleTitle)
	}
	b.WriteString("\n")

	switch kind {
	case KindOutline:
		b.WriteString(`Produce the course outline as JSON: {"sections":[{"title":"","summary":"","articles":["title"]}]}. Return JSON only.`)
	case KindArticle:
		b.WriteString("Write the article in Markdown.")
	case KindArticleQuiz, KindSectionQuiz, KindFinalExam:
		fmt.Fprintf(&b, "Write a %s as JSON: ", strings.ReplaceAll(string(kind), "_", " "))
		b.WriteString(`{"title":"","questions":[{"question":"","options":[""],"answer":0,"explanation":""}]}. Return JSON only.`)
	default:
		return nil, apperr.Fatal(fmt.Errorf("unknown generation kind %q", kind))
	}
	if in.Source != "" {
		b.WriteString("\n\nSource material:\n")
		b.WriteString(in.Source)
	}

	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}, nil
}

// ExtractJSON trims prose and Markdown fences around the first JSON object in
// s. Models wrap JSON in ```json blocks often enough to matter.
func ExtractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}

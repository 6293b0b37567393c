package services

import (
	"fmt"
	"strings"

	"github.com/lumenlearn/lumen-backend/internal/types"
)

const (
	PromptNameKnowledgeCard = "knowledge_card"
	PromptNameClarification = "clarification"
)

func buildKnowledgeCardPrompt(node *types.CurriculumNode, courseCtx types.CourseContext) string {
	var b strings.Builder
	b.WriteString("You write a single knowledge card for one unit of a personalized course.\n\n")
	fmt.Fprintf(&b, "Course: %s\nLevel: %s\nMode: %s\nLanguage: %s\n", courseCtx.Name, courseCtx.Level, courseCtx.Mode, courseCtx.Language)
	if strings.TrimSpace(courseCtx.Rationale) != "" {
		fmt.Fprintf(&b, "Why the learner is here: %s\n", courseCtx.Rationale)
	}
	fmt.Fprintf(&b, "\nUnit: %s\n", node.Title)
	if strings.TrimSpace(node.Description) != "" {
		fmt.Fprintf(&b, "Unit description: %s\n", node.Description)
	}
	fmt.Fprintf(&b, "Target study time: %d minutes\n\n", node.EstimatedMinutes)
	b.WriteString("Return a JSON object with keys: title (string), summary_md (string), sections (array of {heading, body_md}), key_points (array of strings). Return the object only, no surrounding prose.")
	return b.String()
}

func buildClarificationPrompt(node *types.CurriculumNode, courseCtx types.CourseContext, question string) string {
	var b strings.Builder
	b.WriteString("You answer one learner question about a course unit, grounded in the unit's scope.\n\n")
	fmt.Fprintf(&b, "Course: %s (level: %s, language: %s)\n", courseCtx.Name, courseCtx.Level, courseCtx.Language)
	fmt.Fprintf(&b, "Unit: %s\n", node.Title)
	if strings.TrimSpace(node.Description) != "" {
		fmt.Fprintf(&b, "Unit description: %s\n", node.Description)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n\n", strings.TrimSpace(question))
	b.WriteString("Answer in markdown, concise and direct. Plain text only, no JSON.")
	return b.String()
}

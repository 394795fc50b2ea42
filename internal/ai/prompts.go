package ai

import (
	"fmt"
	"strings"
)

const summarizeSystemPrompt = `You are a document analyst. Write a tight summary of the document excerpt you are given: 3-6 sentences of plain prose, no preamble, no bullet points. State what the document is and its key points. If the excerpt is partial, summarize what is present without speculating about the rest.`

const quizSystemPrompt = `You are a quiz writer. From the document excerpt, produce multiple-choice questions that test understanding of its actual content. Return ONLY a JSON object of the form {"questions": [{"question": string, "choices": [string, ...], "answer_index": int, "explanation": string}]}. Each question has 2-6 choices and exactly one correct answer; "answer_index" is the zero-based index of that answer. Questions must be answerable from the excerpt alone. No markdown, no text outside the JSON.`

const explainSystemPrompt = `You are a patient teacher. Explain the requested topic using only the document excerpt as source material. Be concrete and concise: a few short paragraphs at most, plain prose. If the excerpt does not cover the topic, say so instead of inventing an answer.`

func summarizeUserPrompt(title, text string) string {
	var b strings.Builder
	b.WriteString("Document: ")
	b.WriteString(title)
	b.WriteString("\n---\n")
	b.WriteString(text)
	return b.String()
}

func quizUserPrompt(title, text string, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %d questions.\nDocument: %s\n---\n", count, title)
	b.WriteString(text)
	return b.String()
}

func explainUserPrompt(title, text, topic string) string {
	var b strings.Builder
	b.WriteString("Explain: ")
	b.WriteString(topic)
	b.WriteString("\nDocument: ")
	b.WriteString(title)
	b.WriteString("\n---\n")
	b.WriteString(text)
	return b.String()
}

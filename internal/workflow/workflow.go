package workflow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// HangupToken is the sentinel the model emits when the caller asked to end
// the conversation. Responses containing it are never spoken.
const HangupToken = "HANGUP_NOW"

// Kind selects which conversation script drives the call.
type Kind string

const (
	KindDefault Kind = "default"
	KindHiring  Kind = "hiring"
	KindSales   Kind = "sales"
)

// Params carries everything a workflow needs to build its prompts plus the
// correlation ids reported back on the result webhook.
type Params struct {
	Kind               Kind
	CandidateName      string
	ResumeText         string
	JobDescriptionText string
	CompanyName        string
	ProductName        string
	WorkflowRunID      string
	ChatID             string
}

// Workflow shapes one side of the conversation: the system prompt the model
// runs under, the opening line, the completion rule, and the closing line
// spoken before hangup.
type Workflow interface {
	Kind() Kind
	Params() Params
	SystemPrompt() string
	FirstUtterance() string
	ClosingLine() string
	// Observe lets the workflow track signals in assistant replies, such as
	// repeated disinterest on sales calls.
	Observe(assistantReply string)
	// Complete reports whether the workflow is finished after the given
	// number of assistant turns.
	Complete(assistantTurns int) bool
}

// New builds the workflow for the given params, filling in generated run ids
// when the caller did not supply them.
func New(p Params) Workflow {
	if p.WorkflowRunID == "" {
		p.WorkflowRunID = uuid.NewString()
	}
	if p.ChatID == "" {
		p.ChatID = uuid.NewString()
	}
	switch p.Kind {
	case KindHiring:
		return &hiringWorkflow{params: p}
	case KindSales:
		return &salesWorkflow{params: p}
	default:
		p.Kind = KindDefault
		return &defaultWorkflow{params: p}
	}
}

const hangupRule = `MOST IMPORTANT RULE: if the other person wants to end the call (bye, goodbye, thank you, hang up, not interested), reply with only: "` + HangupToken + `"`

type defaultWorkflow struct {
	params Params
}

func (w *defaultWorkflow) Kind() Kind     { return KindDefault }
func (w *defaultWorkflow) Params() Params { return w.params }

func (w *defaultWorkflow) SystemPrompt() string {
	return `You are a friendly voice assistant on a phone call.

RULES:
1. Keep responses SHORT, one or two sentences.
2. Ask ONE question at a time.
3. Be helpful, not pushy.
4. A greeting has already been played, do not greet again.
` + hangupRule
}

func (w *defaultWorkflow) FirstUtterance() string {
	return "Namaste! I am your AI assistant. How can I help you today?"
}

func (w *defaultWorkflow) ClosingLine() string {
	return "Thank you for your time. Have a great day!"
}

func (w *defaultWorkflow) Observe(string) {}

func (w *defaultWorkflow) Complete(int) bool { return false }

type hiringWorkflow struct {
	params Params
}

func (w *hiringWorkflow) Kind() Kind     { return KindHiring }
func (w *hiringWorkflow) Params() Params { return w.params }

func (w *hiringWorkflow) SystemPrompt() string {
	return fmt.Sprintf(`You are an AI interview agent conducting a structured phone screening.

Candidate Name: %s
Resume: %s
Job Description: %s

INTERVIEW RULES:
1. Ask one question at a time.
2. Keep questions short and simple.
3. Base questions on the resume and the job requirements.
4. Stay friendly and professional.
5. Ask 10 to 11 questions maximum.
6. Redirect politely if an answer is unclear or off-topic.

INTERVIEW GOALS: experience relevance, communication skills, job
understanding, problem solving.

Always respond concisely.
%s`, w.params.CandidateName, w.params.ResumeText, w.params.JobDescriptionText, hangupRule)
}

func (w *hiringWorkflow) FirstUtterance() string {
	return fmt.Sprintf("Hello %s! Let's begin. Can you briefly introduce yourself?", w.params.CandidateName)
}

func (w *hiringWorkflow) ClosingLine() string {
	return "Thank you, an HR representative will contact you soon."
}

func (w *hiringWorkflow) Observe(string) {}

func (w *hiringWorkflow) Complete(assistantTurns int) bool {
	return assistantTurns >= 10
}

type salesWorkflow struct {
	params      Params
	disinterest int
}

func (w *salesWorkflow) Kind() Kind     { return KindSales }
func (w *salesWorkflow) Params() Params { return w.params }

func (w *salesWorkflow) SystemPrompt() string {
	return fmt.Sprintf(`You are an AI sales representative calling on behalf of %s.

Your job:
1. Understand the customer's needs.
2. Ask qualifying questions.
3. Explain the value of the product: %s.
4. Handle objections politely.
5. Close by asking permission to send details or scheduling a follow-up.

Rules:
- Ask one question at a time.
- Be friendly and conversational.
- If the customer shows disinterest repeatedly, end politely.
- Never pressure the customer.
%s`, w.params.CompanyName, w.params.ProductName, hangupRule)
}

func (w *salesWorkflow) FirstUtterance() string {
	return fmt.Sprintf("Hello! I'm calling from %s. How are you today?", w.params.CompanyName)
}

func (w *salesWorkflow) ClosingLine() string {
	return "Thank you for your time! I will send you the details shortly."
}

func (w *salesWorkflow) Observe(assistantReply string) {
	lower := strings.ToLower(assistantReply)
	if strings.Contains(lower, "not interested") || strings.Contains(lower, "no thanks") {
		w.disinterest++
	}
}

func (w *salesWorkflow) Complete(assistantTurns int) bool {
	return assistantTurns >= 12 || w.disinterest >= 3
}

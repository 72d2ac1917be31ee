package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFillsRunIDs(t *testing.T) {
	w := New(Params{Kind: KindDefault})
	p := w.Params()
	assert.NotEmpty(t, p.WorkflowRunID)
	assert.NotEmpty(t, p.ChatID)

	w = New(Params{Kind: KindHiring, WorkflowRunID: "run-1", ChatID: "chat-1"})
	p = w.Params()
	assert.Equal(t, "run-1", p.WorkflowRunID)
	assert.Equal(t, "chat-1", p.ChatID)
}

func TestNewUnknownKindFallsBackToDefault(t *testing.T) {
	w := New(Params{Kind: Kind("mystery")})
	assert.Equal(t, KindDefault, w.Kind())
}

func TestAllPromptsCarryHangupToken(t *testing.T) {
	for _, kind := range []Kind{KindDefault, KindHiring, KindSales} {
		w := New(Params{Kind: kind, CandidateName: "Asha", CompanyName: "Acme"})
		assert.Contains(t, w.SystemPrompt(), HangupToken, "kind %s", kind)
	}
}

func TestHiringWorkflow(t *testing.T) {
	w := New(Params{
		Kind:               KindHiring,
		CandidateName:      "Asha",
		ResumeText:         "5 years of Go",
		JobDescriptionText: "Backend engineer",
	})

	assert.Contains(t, w.FirstUtterance(), "Asha")
	assert.Contains(t, w.SystemPrompt(), "5 years of Go")
	assert.Contains(t, w.SystemPrompt(), "Backend engineer")
	assert.Contains(t, w.ClosingLine(), "HR representative")

	assert.False(t, w.Complete(9))
	assert.True(t, w.Complete(10))
	assert.True(t, w.Complete(11))
}

func TestSalesWorkflowTurnLimit(t *testing.T) {
	w := New(Params{Kind: KindSales, CompanyName: "Acme", ProductName: "Widget"})

	assert.Contains(t, w.FirstUtterance(), "Acme")
	assert.Contains(t, w.SystemPrompt(), "Widget")

	assert.False(t, w.Complete(11))
	assert.True(t, w.Complete(12))
}

func TestSalesWorkflowDisinterest(t *testing.T) {
	w := New(Params{Kind: KindSales})

	w.Observe("I understand you're not interested in upgrading today.")
	w.Observe("That's fine, thanks for listening.")
	assert.False(t, w.Complete(2))

	w.Observe("No thanks needed, but since you're NOT INTERESTED I'll be brief.")
	assert.False(t, w.Complete(2))

	w.Observe("Understood, no thanks from your side again.")
	assert.True(t, w.Complete(3))
}

func TestDefaultWorkflowNeverCompletes(t *testing.T) {
	w := New(Params{Kind: KindDefault})
	w.Observe("not interested")
	assert.False(t, w.Complete(100))
	assert.True(t, strings.HasPrefix(w.FirstUtterance(), "Namaste"))
}

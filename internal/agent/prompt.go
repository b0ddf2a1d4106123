package agent

import (
	"fmt"
	"strings"

	"github.com/qs3c/codeatlas/internal/model"
)

const analysisSystem = `You are a senior engineer documenting an unfamiliar code repository.
Explore it with the provided tools before writing. Cite concrete file paths.`

const diagramSystem = `You produce architecture diagrams as JSON for a react-flow canvas.
Reply with a single JSON object and nothing else.`

const chatSystem = `You answer questions about a code repository.
Use the tools to verify details and mention the files you relied on.`

func styleHint(style string) string {
	switch style {
	case model.StyleBeginner:
		return "Write for newcomers: explain terms and keep the tone friendly."
	case model.StyleConcise:
		return "Be brief: short sections and bullet points."
	default:
		return "Write for experienced engineers: focus on architecture, data flow and trade-offs."
	}
}

func analysisPrompt(opts AnalyzeOptions) string {
	return fmt.Sprintf(`Analyze the repository %s and write a design document in Markdown.
Cover purpose, architecture, main modules, data flow and how to build and run it.
%s`, opts.RepoURL, styleHint(opts.Style))
}

func diagramPrompt(markdown string) string {
	return `Based on the design document below and the repository itself, return JSON of the form
{"patterns": ["..."], "graph": {"nodes": [{"id": "", "type": "", "label": "", "files": [""]}],
"edges": [{"id": "", "source": "", "target": "", "label": ""}]}}.

Design document:
` + markdown
}

func chatPrompt(req ChatRequest) string {
	var sb strings.Builder
	if strings.TrimSpace(req.GraphContext) != "" {
		sb.WriteString("Selected diagram context:\n")
		sb.WriteString(req.GraphContext)
		sb.WriteString("\n\n")
	}
	sb.WriteString(req.Question)
	return sb.String()
}

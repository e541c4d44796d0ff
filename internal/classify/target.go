package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/resilience"
	"github.com/sells-group/news-sentinel/pkg/anthropic"
)

const (
	// promptTextRunes is how much article text the target prompt carries.
	promptTextRunes = 1000
	// maxRationaleRunes caps the stored rationale.
	maxRationaleRunes = 400
)

const targetPrompt = `Determine se a gestora-alvo é o sujeito principal da notícia e se vale a pena a diretoria de uma empresa ler a notícia na íntegra.
%s
Responda "S" se a notícia trata de uma ação da gestora, de um resultado dela, ou de algo que ela sofreu (por exemplo uma multa ou uma aquisição).
Responda "N" se a gestora ou um de seus funcionários é apenas citado para comentar o mercado, outra empresa ou uma tendência geral.

Se a resposta for "S", escreva em "descricao" o motivo da classificação em no máximo 400 caracteres.
Se a resposta for "N", deixe "descricao" vazia.

Formato da resposta: {"alvo":"S|N","descricao":"texto ou vazio"}

Gestora-alvo: %s
Título: %s
Subtítulo: %s
Texto: %s`

const subjectHintClause = `
A gestora-alvo faz parte de um grupo com várias empresas. Considere como alvo apenas: %s. Responda "N" se a notícia for sobre outra empresa do grupo.
`

// Subject is the organization a target question is about.
type Subject struct {
	Label string
	Hint  string // optional: which group entities count as the organization
}

// TargetVerdict is the outcome of one target call.
type TargetVerdict struct {
	IsTarget  bool
	Rationale string // empty unless IsTarget
	Raw       string
	Malformed bool
}

// Target decides whether the organization is the subject of the article.
type Target struct {
	client anthropic.Client
	opts   Options
}

// NewTarget creates a target classifier.
func NewTarget(client anthropic.Client, opts Options) *Target {
	return &Target{client: client, opts: opts.withDefaults()}
}

// Classify calls the model once. Malformed answers count as not a target.
func (t *Target) Classify(ctx context.Context, subject Subject, title, summary, text string) (*TargetVerdict, error) {
	raw, err := ask(ctx, t.client, t.opts, "target", buildTargetPrompt(subject, title, summary, text))
	if err != nil {
		return nil, err
	}

	v := parseTarget(raw)
	if v.Malformed {
		zap.L().Warn("classify: malformed target answer",
			zap.String("subject", subject.Label),
			zap.String("raw", raw),
		)
	}
	return v, nil
}

func buildTargetPrompt(subject Subject, title, summary, text string) string {
	var hint string
	if h := strings.TrimSpace(subject.Hint); h != "" {
		hint = fmt.Sprintf(subjectHintClause, h)
	}
	return fmt.Sprintf(targetPrompt,
		hint,
		subject.Label,
		strings.TrimSpace(title),
		strings.TrimSpace(summary),
		excerpt(strings.TrimSpace(text), promptTextRunes),
	)
}

// excerpt cuts s to n runes and marks the cut with "...".
func excerpt(s string, n int) string {
	cut := resilience.Truncate(s, n)
	if cut != s {
		return cut + "..."
	}
	return s
}

func parseTarget(raw string) *TargetVerdict {
	var parsed struct {
		Alvo      string `json:"alvo"`
		Descricao string `json:"descricao"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &parsed); err != nil {
		return &TargetVerdict{Raw: raw, Malformed: true}
	}
	yes, ok := yesNo(parsed.Alvo)
	if !ok {
		return &TargetVerdict{Raw: raw, Malformed: true}
	}

	v := &TargetVerdict{IsTarget: yes, Raw: raw}
	if yes {
		v.Rationale = resilience.Truncate(strings.TrimSpace(parsed.Descricao), maxRationaleRunes)
	}
	return v
}

package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/pkg/anthropic"
)

// Severity labels, highest first.
const (
	LabelRegulator   = "L5" // regulator action (CVM, Banco Central)
	LabelCompliance  = "L4" // compliance failure, fraud, investigation, litigation
	LabelOwnership   = "L3" // M&A or significant ownership change
	LabelLeadership  = "L2" // C-level change or mass layoffs
	LabelOperational = "L1" // technology or operational incident
	LabelIrrelevant  = "L0"
)

const relevancePrompt = `Classifique se o título e o subtítulo abaixo são de interesse e atribua um rótulo de L0 a L5.

Temas de interesse:
- L5: ações de órgãos reguladores, como CVM ou Banco Central, contra gestoras de investimentos.
- L4: problemas de compliance, fraudes, investigações ou processos judiciais contra gestoras de investimentos.
- L3: fusões, aquisições ou mudanças relevantes na estrutura societária de gestoras de investimentos.
- L2: mudanças no c-level ou demissões em massa em gestoras de investimentos.
- L1: instabilidades tecnológicas ou problemas operacionais de gestoras de investimentos.

Use L0 e interesse "N" se a notícia for apenas um resumo ou lista de várias empresas sem um evento principal,
ou se tratar de marketing, análise genérica de mercado ou lançamento de produtos.

Exemplo:
Título: CVM abre processo administrativo contra XYZ Gestora por supostas irregularidades
Subtítulo: Regulador investiga possíveis infrações e falhas de compliance na gestora.
Resposta: {"interesse":"S","classificacao":"L5"}

Formato da resposta: {"interesse":"S|N","classificacao":"L0|L1|L2|L3|L4|L5"}

Título: %s
Subtítulo: %s`

// RelevanceVerdict is the outcome of one relevance call. Raw always holds
// the model's answer so malformed outputs can be audited.
type RelevanceVerdict struct {
	Relevance model.Relevance
	Label     string
	Raw       string
	Malformed bool
}

// Interesting reports whether the item should move on to text extraction.
func (v *RelevanceVerdict) Interesting() bool {
	return v.Relevance == model.RelevanceInteresting
}

// Relevance decides from title and summary whether an item is worth
// following.
type Relevance struct {
	client anthropic.Client
	opts   Options
}

// NewRelevance creates a relevance classifier.
func NewRelevance(client anthropic.Client, opts Options) *Relevance {
	return &Relevance{client: client, opts: opts.withDefaults()}
}

// Classify calls the model once. A transport or API error is returned as
// is; an answer that is not the expected JSON becomes NOT_INTERESTING/L0.
func (r *Relevance) Classify(ctx context.Context, title, summary string) (*RelevanceVerdict, error) {
	prompt := fmt.Sprintf(relevancePrompt, strings.TrimSpace(title), strings.TrimSpace(summary))
	raw, err := ask(ctx, r.client, r.opts, "relevance", prompt)
	if err != nil {
		return nil, err
	}

	v := parseRelevance(raw)
	if v.Malformed {
		zap.L().Warn("classify: malformed relevance answer",
			zap.String("title", title),
			zap.String("raw", raw),
		)
	}
	return v, nil
}

func parseRelevance(raw string) *RelevanceVerdict {
	fallback := &RelevanceVerdict{
		Relevance: model.RelevanceNotInteresting,
		Label:     LabelIrrelevant,
		Raw:       raw,
		Malformed: true,
	}

	var parsed struct {
		Interesse     string `json:"interesse"`
		Classificacao string `json:"classificacao"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &parsed); err != nil {
		return fallback
	}
	yes, ok := yesNo(parsed.Interesse)
	label := strings.ToUpper(strings.TrimSpace(parsed.Classificacao))
	if !ok || !validLabel(label) {
		return fallback
	}

	v := &RelevanceVerdict{Relevance: model.RelevanceNotInteresting, Label: label, Raw: raw}
	if yes {
		v.Relevance = model.RelevanceInteresting
	}
	return v
}

func validLabel(s string) bool {
	return len(s) == 2 && s[0] == 'L' && s[1] >= '0' && s[1] <= '5'
}

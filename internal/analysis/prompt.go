package analysis

import "strings"

// Placeholders substituted into the analysis template. The optimizer rewrites
// the template text but the placeholders must survive the rewrite.
const (
	ContextPlaceholder = "{{CONTEXT}}"
	ArticlePlaceholder = "{{ARTICLE}}"
)

// DefaultAnalysisPrompt is the built-in scoring template used until the
// optimizer persists a replacement. The SECTION structure is load-bearing:
// the optimizer's meta-prompt instructs the reference model to preserve it.
const DefaultAnalysisPrompt = `You are a business intelligence analyst.

SECTION 1: STRATEGIC CONTEXT
(Use this ONLY to understand who the Primary Company and Competitors are. Do NOT assume these entities are present in the article unless explicitly written in SECTION 2.)
--------------------------------------------------------------------------------
{{CONTEXT}}
--------------------------------------------------------------------------------

SECTION 2: ARTICLE TEXT
(Analyze THIS text only. Ignore any prior knowledge not in this text.)
--------------------------------------------------------------------------------
{{ARTICLE}}
--------------------------------------------------------------------------------

TASK:
Analyze the article in SECTION 2 and provide a JSON response with the following fields:
- summary: A concise 2-3 sentence summary.
- relevance_score: Integer 0-10 (how relevant is this to the PRIMARY company's goals?).
- relevance_reasoning: A short sentence explaining WHY this score was given.
- impact_score: Integer 0-10 (how big is the potential impact on the market or competitors?).
- key_entities: A list of important companies, people, or technologies mentioned in SECTION 2.

SCORING GUIDELINES:
- 0-3 (Low): Irrelevant topics. Includes: Sports, Entertainment, general Politics, General News, War/Conflict.
- 4-6 (Medium): Tangential. Includes: broad industry trends, adjacent technology, broad market moves.
- 7-10 (High): Direct Relevance. MUST contain: specific mentions of Competitors, regulations affecting the Primary Company's sector, or its core business topics.

NEGATIVE CONSTRAINTS (CRITICAL):
1. NO ANALOGIES: Do not score based on metaphors. "Teamwork" in sports is NOT "corporate strategy".
2. FORBIDDEN REASONING: Do not use phrases like "resonates with", "aligns with", "similar to", "conceptually related". Use ONLY direct factual links.
3. INDIRECT ECONOMIC IMPACT: General economic news (pensions, taxes, inflation, cost of living) is LOW (0-3). Do NOT argue about "customer spending power" or "affordability".
4. NO AUDIENCE INFERENCE: Do NOT score high just because an article mentions a demographic that happens to be a target audience. The article MUST discuss services for that audience.
5. HALLUCINATIONS: Do not claim the article mentions the Primary Company unless the name appears explicitly in SECTION 2.
6. QUOTE CHECK: If you give a score >= 7, your reasoning MUST include a short quote from SECTION 2 containing a core business keyword or a Competitor name. Generic quotes about "decisions" or "money" are invalid.

RESPONSE FORMAT:
Return ONLY valid JSON. Do not include markdown formatting or explanations.`

// auditorPrompt is the reference model's independent-assessment template.
// The reference backend is never driven by the optimizable template; it is
// the yardstick the template is optimized against.
const auditorPrompt = `You are a Senior Business Intelligence Auditor.

STRATEGIC CONTEXT (Primary Company & Competitors):
{{CONTEXT}}

ARTICLE TEXT:
{{ARTICLE}}

TASK:
Review this article and provide an independent assessment of its relevance to the Primary Company.

SCORING GUIDELINES:
- 0-3 (Low): Irrelevant topics (Sports, Entertainment, Politics without a sector angle).
- 4-6 (Medium): Tangential (broad industry trends, adjacent technology).
- 7-10 (High): Direct Relevance (Competitors, specific industry regulations, core business).

RESPONSE FORMAT:
Return ONLY valid JSON with no markdown formatting:
{
    "summary": "Concise summary",
    "relevance_score": 0,
    "relevance_reasoning": "Explanation of the score",
    "impact_score": 0,
    "key_entities": ["list", "of", "entities"]
}`

const topicsPromptFormat = `You are labeling news articles. Return ONLY JSON with a single field:
- topics: list of 3-6 short, meaningful topic tags (2-4 words each).
Avoid generic words, focus on the main themes.

ARTICLE TEXT:
%s`

// RenderPrompt substitutes the context and article blocks into a template.
func RenderPrompt(template, businessContext, articleText string) string {
	out := strings.ReplaceAll(template, ContextPlaceholder, businessContext)
	return strings.ReplaceAll(out, ArticlePlaceholder, articleText)
}

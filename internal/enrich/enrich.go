// Package enrich turns a raw multichannel call transcript into its cleaned
// form, a summary, and a sentiment score. It is invoked from the isolated
// worker process so a wedged model call can never block the realtime or HTTP
// paths. The pipeline is all-or-nothing: any stage failure surfaces as an
// error and nothing partial is kept.
package enrich

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/arivox/arivox/internal/store"
)

const (
	// enrichChunkSize bounds the text handed to the model per call. Large
	// on purpose: almost every call transcript fits in one chunk and the
	// split only matters for marathon recordings.
	enrichChunkSize = 400000

	// sentimentPrefixCap limits the text scored for sentiment.
	sentimentPrefixCap = 20000
)

const cleanPrompt = `The provided text is a transcription of a conversation.
Realtime transcription interleaves the speakers, so one speaker's sentence may
be scattered across several consecutive fragments of theirs.
Your task is to repair these fragments back into coherent sentences while
fixing punctuation and misspelled words.
Preserve the speaker names, their respective statements, and the original
wording wherever it is already coherent.
Don't write any preamble or conclusion.
Output in the same language as the input text.`

const summaryPrompt = `The provided text is a transcription of a conversation.
Your task is to summarize the conversation in a concise manner.
Make sure to include the main points and any important details.
Avoid unnecessary details and keep the summary brief.
Use bullet points if necessary.
Don't include any personal opinions or interpretations.
Make sure to include the speaker names and their respective statements.
Don't write any preamble or conclusion.
Output in the same language as the input text.`

const mergePrompt = `The provided text consists of several partial summaries
of one long conversation, in order.
Your task is to merge them into a single coherent summary.
Keep the bullet-point style, remove duplicates, and preserve speaker names.
Don't write any preamble or conclusion.
Output in the same language as the input text.`

const sentimentPrompt = `The provided text is a transcription of a conversation.
Rate the overall sentiment of the conversation on a scale from 0 to 10, where
0 is extremely negative and 10 is extremely positive.
Answer with a single integer and nothing else.`

// LLM is one chat completion round-trip.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Result is the pipeline output. Sentiment is nil when the model's answer did
// not parse as an integer.
type Result struct {
	Cleaned   string
	Summary   string
	Sentiment *int
}

// Pipeline runs the clean/summarize/sentiment stages.
type Pipeline struct {
	llm      LLM
	splitter *store.Splitter
}

// New creates a Pipeline on the given model client.
func New(llm LLM) *Pipeline {
	return &Pipeline{
		llm:      llm,
		splitter: store.NewSplitter(enrichChunkSize, 0, store.DefaultSeparators),
	}
}

// Run enriches one raw transcript.
func (p *Pipeline) Run(ctx context.Context, raw string) (Result, error) {
	cleaned, err := p.clean(ctx, raw)
	if err != nil {
		return Result{}, fmt.Errorf("enrich: clean: %w", err)
	}

	summary, err := p.summarize(ctx, cleaned)
	if err != nil {
		return Result{}, fmt.Errorf("enrich: summarize: %w", err)
	}

	sentiment, err := p.sentiment(ctx, cleaned)
	if err != nil {
		return Result{}, fmt.Errorf("enrich: sentiment: %w", err)
	}

	return Result{Cleaned: cleaned, Summary: summary, Sentiment: sentiment}, nil
}

// clean repairs each chunk and joins the results with blank lines.
func (p *Pipeline) clean(ctx context.Context, raw string) (string, error) {
	chunks := p.splitter.SplitForEmbedding(raw)
	if len(chunks) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		out, err := p.llm.Complete(ctx, cleanPrompt, "Text:\n"+chunk)
		if err != nil {
			return "", err
		}
		parts = append(parts, out)
	}
	return strings.Join(parts, "\n\n"), nil
}

// summarize produces per-chunk summaries and reduces them to one.
func (p *Pipeline) summarize(ctx context.Context, cleaned string) (string, error) {
	chunks := p.splitter.SplitForEmbedding(cleaned)
	if len(chunks) == 0 {
		return "", nil
	}
	summaries := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		out, err := p.llm.Complete(ctx, summaryPrompt, "Text:\n"+chunk)
		if err != nil {
			return "", err
		}
		summaries = append(summaries, out)
	}
	if len(summaries) == 1 {
		return summaries[0], nil
	}
	return p.llm.Complete(ctx, mergePrompt, "Text:\n"+strings.Join(summaries, "\n\n"))
}

var sentimentRe = regexp.MustCompile(`-?\d+`)

// sentiment scores a prefix of the cleaned text. A response that carries no
// integer yields nil, not an error.
func (p *Pipeline) sentiment(ctx context.Context, cleaned string) (*int, error) {
	text := cleaned
	if len(text) > sentimentPrefixCap {
		text = text[:sentimentPrefixCap]
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	out, err := p.llm.Complete(ctx, sentimentPrompt, "Text:\n"+text)
	if err != nil {
		return nil, err
	}

	match := sentimentRe.FindString(out)
	if match == "" {
		return nil, nil
	}
	score, err := strconv.Atoi(match)
	if err != nil {
		return nil, nil
	}
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return &score, nil
}

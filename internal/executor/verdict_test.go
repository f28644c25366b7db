package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/domain"
)

func TestExtractVerdictFromProse(t *testing.T) {
	output := `I reviewed the change carefully.

{"overall_summary":"solid change","overall_score":0.82,"feedbacks":[{"severity":"medium","category":"style","file_path":"internal/api/server.go","title":"long function","description":"split it up"}]}

That is my assessment.`

	verdict, found := ExtractVerdict(output)
	require.True(t, found)
	assert.Equal(t, "solid change", verdict.OverallSummary)
	require.NotNil(t, verdict.OverallScore)
	assert.InDelta(t, 0.82, *verdict.OverallScore, 1e-9)
	require.Len(t, verdict.Feedbacks, 1)
	assert.Equal(t, domain.SeverityMedium, verdict.Feedbacks[0].Severity)
}

func TestExtractVerdictPrefersLastObject(t *testing.T) {
	output := `{"overall_summary":"from the prompt example","feedbacks":[]}
some agent chatter
{"overall_summary":"the real verdict","feedbacks":[]}`

	verdict, found := ExtractVerdict(output)
	require.True(t, found)
	assert.Equal(t, "the real verdict", verdict.OverallSummary)
}

func TestExtractVerdictRejectsTemplateEcho(t *testing.T) {
	output := `{"overall_summary":"one paragraph assessment","feedbacks":[{"severity":"high","category":"correctness","file_path":"` + exampleFeedbackPath + `","title":"short finding title","description":"what is wrong and why"}]}`

	verdict, found := ExtractVerdict(output)
	assert.False(t, found)
	assert.Equal(t, DefaultVerdict().OverallSummary, verdict.OverallSummary)
}

func TestExtractVerdictBracesInsideStrings(t *testing.T) {
	output := `{"overall_summary":"watch out for { and } in code","feedbacks":[{"severity":"low","category":"style","file_path":"a.go","title":"t","description":"uses {} literals"}]}`

	verdict, found := ExtractVerdict(output)
	require.True(t, found)
	assert.Contains(t, verdict.OverallSummary, "{ and }")
}

func TestExtractVerdictSkipsNonJSONBraces(t *testing.T) {
	output := `func main() { panic("no") }
{"overall_summary":"parsed anyway","feedbacks":[]}`

	verdict, found := ExtractVerdict(output)
	require.True(t, found)
	assert.Equal(t, "parsed anyway", verdict.OverallSummary)
}

func TestExtractVerdictDefaultOnGarbage(t *testing.T) {
	verdict, found := ExtractVerdict("the agent rambled with no structure at all")
	assert.False(t, found)
	assert.Equal(t, "Review completed, see logs", verdict.OverallSummary)
	assert.Nil(t, verdict.OverallScore)
}

func TestVerdictNormalization(t *testing.T) {
	output := `{"overall_summary":"x","overall_score":1.4,"feedbacks":[{"severity":"blocker","category":"correctness","file_path":"a.go","title":"t","description":"d"}]}`

	verdict, found := ExtractVerdict(output)
	require.True(t, found)
	require.NotNil(t, verdict.OverallScore)
	assert.Equal(t, 1.0, *verdict.OverallScore)
	assert.Equal(t, domain.SeverityMedium, verdict.Feedbacks[0].Severity)
}

package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleElements() []Element {
	return []Element{
		{ID: "e1", Type: "textbox", Label: "Search", Placeholder: "Search the web"},
		{ID: "e2", Type: "button", Label: "Search"},
		{ID: "e3", Type: "link", Label: "Images"},
		{ID: "e4", Type: "textbox", Label: "Email address"},
		{ID: "e5", Type: "password", Label: "Password"},
	}
}

func TestFindByQueryExactLabel(t *testing.T) {
	matches := FindByQuery(sampleElements(), "Search", 5)
	require.NotEmpty(t, matches)
	assert.Equal(t, 1.0, matches[0].Score)
	assert.Equal(t, "exact label match", matches[0].MatchReason)
}

func TestFindByQuerySubstringAndTokens(t *testing.T) {
	matches := FindByQuery(sampleElements(), "email", 5)
	require.NotEmpty(t, matches)
	assert.Equal(t, "e4", matches[0].Element.ID)

	matches = FindByQuery(sampleElements(), "password box", 5)
	require.NotEmpty(t, matches)
	assert.Equal(t, "e5", matches[0].Element.ID)
}

func TestFindByQueryLimitAndOrder(t *testing.T) {
	matches := FindByQuery(sampleElements(), "search", 1)
	require.Len(t, matches, 1)

	all := FindByQuery(sampleElements(), "search", 10)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].Score, all[i].Score, "matches sorted best first")
	}
}

func TestFindByQueryNoMatch(t *testing.T) {
	assert.Empty(t, FindByQuery(sampleElements(), "zzzzqqqq", 5))
	assert.Empty(t, FindByQuery(sampleElements(), "", 5))
}

func TestInferType(t *testing.T) {
	assert.Equal(t, "link", inferType(jsElement{Tag: "a"}))
	assert.Equal(t, "button", inferType(jsElement{Tag: "input", InputType: "submit"}))
	assert.Equal(t, "password", inferType(jsElement{Tag: "input", InputType: "password"}))
	assert.Equal(t, "searchbox", inferType(jsElement{Tag: "input", InputType: "search"}))
	assert.Equal(t, "combobox", inferType(jsElement{Tag: "select"}))
	assert.Equal(t, "menuitem", inferType(jsElement{Tag: "div", Role: "menuitem"}))
}

func TestSectionize(t *testing.T) {
	text := "First paragraph with plenty of text.\nshort\n\nSecond paragraph, also meaningful.\n"
	sections := sectionize(text, 1000)
	require.Len(t, sections, 3)
	assert.Equal(t, "First paragraph with plenty of text.", sections[0].Text)
	assert.Greater(t, sections[0].Attention, sections[2].Attention,
		"earlier sections carry more attention at similar length")
}

func TestSectionizeBudget(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a fairly long paragraph of repeated filler content for the budget test\n"
	}
	sections := sectionize(long, 500)
	total := 0
	for _, s := range sections {
		total += len(s.Text)
	}
	assert.LessOrEqual(t, total, 500)
}

func TestFormatElementLine(t *testing.T) {
	line := FormatElementLine(Element{
		ID: "e7", Type: "checkbox", Label: "Remember me",
		State: ElementState{Checked: true},
	})
	assert.Equal(t, `[e7] checkbox "Remember me" (checked)`, line)
}

func TestSelectorFor(t *testing.T) {
	assert.Equal(t, `[data-semantic-id="e3"]`, SelectorFor("e3"))
}

package semantic

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/parser/html"

	"browserpilot/internal/browser"
)

// pageCapture is the raw material pulled out of the page in one evaluate.
type pageCapture struct {
	Title  string   `json:"title"`
	HTML   string   `json:"html"`
	Links  []string `json:"links"`
	Images []string `json:"images"`
}

const captureScript = `(() => {
    const links = [];
    for (const a of document.querySelectorAll('a[href]')) {
        if (links.length >= 50) break;
        const href = a.href || '';
        if (href && !href.startsWith('javascript:')) links.push(href);
    }
    const images = [];
    for (const img of document.querySelectorAll('img[src]')) {
        if (images.length >= 20) break;
        if (img.src) images.push(img.src);
    }
    return {
        title:  document.title || '',
        html:   document.documentElement ? document.documentElement.outerHTML : '',
        links:  links,
        images: images
    };
})()`

// ExtractContent implements Library. The page HTML is captured in one JS
// round trip and turned into text through the HTML document parser, then
// sectioned by paragraph with a position/length attention score.
func (l *DefaultLibrary) ExtractContent(ctx context.Context, page browser.Page, maxLength int) (*Content, error) {
	if maxLength <= 0 {
		maxLength = 8000
	}

	var snap pageCapture
	if err := page.Evaluate(ctx, captureScript, &snap); err != nil {
		return nil, fmt.Errorf("page capture failed: %w", err)
	}

	text, err := l.htmlToText(ctx, snap.HTML)
	if err != nil {
		// Fall back to innerText when the parser rejects the markup.
		if evalErr := page.Evaluate(ctx, `document.body && document.body.innerText ? document.body.innerText : ''`, &text); evalErr != nil {
			return nil, fmt.Errorf("content extraction failed: %w", err)
		}
	}

	sections := sectionize(text, maxLength)

	return &Content{
		Title:    snap.Title,
		Sections: sections,
		Links:    snap.Links,
		Images:   snap.Images,
	}, nil
}

// htmlToText parses markup into plain text via the eino HTML parser.
func (l *DefaultLibrary) htmlToText(ctx context.Context, markup string) (string, error) {
	if strings.TrimSpace(markup) == "" {
		return "", nil
	}
	p, err := html.NewParser(ctx, &html.Config{})
	if err != nil {
		return "", err
	}
	docs, err := p.Parse(ctx, strings.NewReader(markup))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, doc := range docs {
		sb.WriteString(doc.Content)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// sectionize splits text into paragraph sections within the character
// budget. Attention decays with position and rises with paragraph length,
// a rough stand-in for visual prominence.
func sectionize(text string, budget int) []Section {
	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var sections []Section
	used := 0
	for i, para := range paragraphs {
		if used >= budget {
			break
		}
		if used+len(para) > budget {
			para = para[:budget-used]
		}
		used += len(para)

		positionScore := 1.0 - float64(i)/float64(len(paragraphs))
		lengthScore := float64(len(para)) / 500.0
		if lengthScore > 1 {
			lengthScore = 1
		}
		sections = append(sections, Section{
			Text:      para,
			Attention: 0.5*positionScore + 0.5*lengthScore,
		})
	}
	return sections
}

func splitParagraphs(text string) []string {
	var out []string
	for _, block := range strings.Split(text, "\n") {
		block = strings.TrimSpace(block)
		if len(block) < 3 {
			continue
		}
		out = append(out, block)
	}
	return out
}

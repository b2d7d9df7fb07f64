package semantic

import (
	"context"
	"fmt"
	"strings"

	"browserpilot/internal/browser"
)

// collectScript finds interactive elements, stamps data-semantic-id
// attributes, and returns their descriptions. Previously stamped ids are
// cleared first so a re-collect after DOM changes yields a consistent set.
const collectScript = `(() => {
    document.querySelectorAll('[data-semantic-id]').forEach(el => el.removeAttribute('data-semantic-id'));

    const selectors = 'a, button, input, select, textarea, [role="button"], [role="link"], ' +
        '[role="checkbox"], [role="radio"], [role="combobox"], [role="textbox"], [role="searchbox"], ' +
        '[role="menuitem"], [role="option"], [role="tab"], [role="switch"], [role="slider"], ' +
        '[tabindex], [contenteditable="true"], [onclick]';

    const visibleOnly = %t;
    const maxElements = %d;
    const vh = window.innerHeight;
    const vw = window.innerWidth;

    const els = document.querySelectorAll(selectors);
    const results = [];
    let n = 1;

    for (const el of els) {
        if (results.length >= maxElements) break;

        const rect = el.getBoundingClientRect();
        if (rect.width <= 0 || rect.height <= 0) continue;
        const style = getComputedStyle(el);
        if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') continue;
        if (visibleOnly && (rect.bottom < 0 || rect.top > vh || rect.right < 0 || rect.left > vw)) continue;

        const id = 'e' + n;
        el.setAttribute('data-semantic-id', id);

        const tag = el.tagName.toLowerCase();
        const role = el.getAttribute('role') || '';
        let label = '';

        if (tag === 'input' || tag === 'textarea') {
            label = el.getAttribute('aria-label') || el.getAttribute('placeholder') || el.getAttribute('name') || '';
        } else if (tag === 'select') {
            label = el.getAttribute('aria-label') || el.options?.[el.selectedIndex]?.text || '';
        } else {
            label = (el.innerText || el.textContent || '').trim().replace(/\s+/g, ' ');
        }
        label = label.slice(0, 100);

        results.push({
            id:          id,
            tag:         tag,
            role:        role,
            label:       label,
            value:       (el.value !== undefined && el.value !== '' && tag !== 'a') ? String(el.value).slice(0, 80) : '',
            inputType:   el.getAttribute('type') || '',
            href:        (tag === 'a') ? (el.href || '') : '',
            placeholder: el.getAttribute('placeholder') || '',
            bounds:      {x: rect.x, y: rect.y, width: rect.width, height: rect.height},
            disabled:    el.disabled || false,
            checked:     el.checked || false,
            focused:     document.activeElement === el
        });
        n++;
    }
    return results;
})()`

// jsElement mirrors what collectScript returns per element.
type jsElement struct {
	ID          string `json:"id"`
	Tag         string `json:"tag"`
	Role        string `json:"role"`
	Label       string `json:"label"`
	Value       string `json:"value"`
	InputType   string `json:"inputType"`
	Href        string `json:"href"`
	Placeholder string `json:"placeholder"`
	Bounds      Bounds `json:"bounds"`
	Disabled    bool   `json:"disabled"`
	Checked     bool   `json:"checked"`
	Focused     bool   `json:"focused"`
}

// DefaultLibrary drives the page seam directly.
type DefaultLibrary struct{}

// New returns the default semantic library.
func New() *DefaultLibrary {
	return &DefaultLibrary{}
}

// CollectElements implements Library.
func (l *DefaultLibrary) CollectElements(ctx context.Context, page browser.Page, maxElements int, visibleOnly bool) ([]Element, error) {
	if maxElements <= 0 {
		maxElements = 100
	}
	script := fmt.Sprintf(collectScript, visibleOnly, maxElements)

	var raw []jsElement
	if err := page.Evaluate(ctx, script, &raw); err != nil {
		return nil, fmt.Errorf("element collection failed: %w", err)
	}

	out := make([]Element, 0, len(raw))
	for _, el := range raw {
		out = append(out, Element{
			ID:          el.ID,
			Type:        inferType(el),
			Label:       el.Label,
			Value:       el.Value,
			Href:        el.Href,
			Placeholder: el.Placeholder,
			Bounds:      el.Bounds,
			State: ElementState{
				Disabled: el.Disabled,
				Checked:  el.Checked,
				Focused:  el.Focused,
			},
		})
	}
	return out, nil
}

// inferType returns a user-friendly element type.
func inferType(el jsElement) string {
	if el.Role != "" {
		return el.Role
	}
	switch el.Tag {
	case "a":
		return "link"
	case "button":
		return "button"
	case "input":
		switch el.InputType {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button", "reset":
			return "button"
		case "search":
			return "searchbox"
		case "password":
			return "password"
		default:
			return "textbox"
		}
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	default:
		return el.Tag
	}
}

// CenterOf returns the viewport center of an element's bounds, for trusted
// mouse clicks.
func CenterOf(el Element) (x, y float64) {
	return el.Bounds.X + el.Bounds.Width/2, el.Bounds.Y + el.Bounds.Height/2
}

// FormatElementLine renders one element as a snapshot line.
func FormatElementLine(el Element) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", el.ID, el.Type)
	if el.Label != "" {
		fmt.Fprintf(&sb, " %q", el.Label)
	}
	if el.Value != "" {
		fmt.Fprintf(&sb, " value=%q", el.Value)
	}
	var states []string
	if el.State.Disabled {
		states = append(states, "disabled")
	}
	if el.State.Checked {
		states = append(states, "checked")
	}
	if el.State.Focused {
		states = append(states, "focused")
	}
	if len(states) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(states, ", "))
	}
	return sb.String()
}

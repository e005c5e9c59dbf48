package browser

import (
	"github.com/google/uuid"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
)

// harvestedPage is the JSON shape the in-page script returns.
type harvestedPage struct {
	Title    string             `json:"title"`
	Elements []harvestedElement `json:"elements"`
	Links    []string           `json:"links"`
}

type harvestedElement struct {
	Kind       string            `json:"kind"`
	Selector   string            `json:"selector"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
}

// convertElements maps harvested elements onto envelope records, dropping
// duplicates that matched more than one harvesting query on the same page.
func convertElements(harvested []harvestedElement, pageURL string) []envelope.Element {
	out := make([]envelope.Element, 0, len(harvested))
	seen := make(map[string]bool, len(harvested))
	for _, h := range harvested {
		if h.Selector == "" {
			continue
		}
		key := h.Kind + "|" + h.Selector
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, envelope.Element{
			ID:         "el_" + uuid.New().String()[:16],
			Kind:       h.Kind,
			Selector:   h.Selector,
			Text:       h.Text,
			Page:       pageURL,
			Attributes: h.Attributes,
		})
	}
	return out
}

func envelopePage(pageURL, title string, elementCount int) envelope.Page {
	return envelope.Page{URL: pageURL, Title: title, ElementCount: elementCount}
}

// harvestJS runs inside the page and collects interactive elements plus
// candidate links for the crawl queue. Selectors prefer id, then name, then
// first class, then nth-of-type position.
const harvestJS = `(() => {
  const sel = (el) => {
    if (el.id) return '#' + CSS.escape(el.id);
    const tag = el.tagName.toLowerCase();
    if (el.name && typeof el.name === 'string') return tag + '[name="' + el.name + '"]';
    if (el.className && typeof el.className === 'string') {
      const cls = el.className.trim().split(/\s+/)[0];
      if (cls) return tag + '.' + CSS.escape(cls);
    }
    const parent = el.parentNode;
    if (!parent) return tag;
    const siblings = Array.from(parent.children).filter(s => s.tagName === el.tagName);
    return tag + ':nth-of-type(' + (siblings.indexOf(el) + 1) + ')';
  };
  const text = (el) => (el.innerText || el.value || el.placeholder || '').trim().slice(0, 80);
  const out = {title: document.title, elements: [], links: []};
  const push = (el, kind, attrs) => out.elements.push({
    kind: kind, selector: sel(el), text: text(el), attributes: attrs || {}
  });
  document.querySelectorAll('a[href]').forEach(a => {
    push(a, 'link', {href: a.getAttribute('href') || ''});
    try {
      const u = new URL(a.getAttribute('href'), location.href);
      if (u.protocol === 'http:' || u.protocol === 'https:') {
        out.links.push(u.origin + u.pathname + u.search);
      }
    } catch (e) {}
  });
  document.querySelectorAll('button, input[type="submit"], input[type="button"], [role="button"]')
    .forEach(el => push(el, 'button'));
  document.querySelectorAll('input:not([type="hidden"]):not([type="submit"]):not([type="button"])')
    .forEach(el => push(el, 'input', {type: el.type || 'text'}));
  document.querySelectorAll('form').forEach(el => push(el, 'form'));
  document.querySelectorAll('select').forEach(el => push(el, 'select'));
  document.querySelectorAll('textarea').forEach(el => push(el, 'textarea'));
  return out;
})()`
